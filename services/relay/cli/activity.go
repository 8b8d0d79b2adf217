package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/kafka"
	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect the activity stream",
}

var activityFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Print activity log entries from Kafka as JSON lines",
	Long: `Follow the activity topic that relay serve mirrors every log entry to.

Each invocation joins a fresh consumer group, so followers never steal
entries from each other. New entries only, unless --from-start is given.`,
	Args: cobra.NoArgs,
	RunE: runActivityFollow,
}

func init() {
	f := activityFollowCmd.Flags()
	f.String("project", "", "only entries for this project")
	f.String("task", "", "only entries for this task id")
	f.String("type", "", "only entries of this event type (e.g. TASK_FAILED)")
	f.Bool("from-start", false, "replay the topic from the earliest retained entry")

	activityCmd.AddCommand(activityFollowCmd)
}

func runActivityFollow(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka_brokers is not set")
	}
	project, _ := cmd.Flags().GetString("project")
	taskID, _ := cmd.Flags().GetString("task")
	typ, _ := cmd.Flags().GetString("type")
	fromStart, _ := cmd.Flags().GetBool("from-start")

	filter := domain.LogFilter{Project: project, TaskID: taskID, Type: domain.EventType(typ)}
	logger := buildLogger(cfg.LogLevel, "relay-follow")

	var opts []kafka.ConsumerOption
	if !fromStart {
		opts = append(opts, kafka.FromLatest())
	}
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ActivityTopic, "relay-follow-"+uuid.NewString(), logger, opts...)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := consumer.Subscribe(ctx, printEntries(cmd.OutOrStdout(), filter, logger))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printEntries writes each matching entry as one JSON line. Undecodable
// messages are logged and skipped.
func printEntries(w io.Writer, filter domain.LogFilter, logger *slog.Logger) kafka.HandlerFunc {
	enc := json.NewEncoder(w)
	return func(_ context.Context, msg kafka.Message) error {
		var entry domain.ActivityLogEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			logger.Warn("skipping undecodable activity entry",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if !filter.Matches(&entry) {
			return nil
		}
		if err := enc.Encode(&entry); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		return nil
	}
}
