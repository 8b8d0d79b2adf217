package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Task relay: schedules work for file-driven agents and supervises the results",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/relay/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./relay.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("store-driver", config.DriverSQLite, "entity store: memory | sqlite | postgres")
	pf.String("sqlite-path", "relay.db", "SQLite database file")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for the postgres driver")
	pf.String("kafka-brokers", "", "comma-separated Kafka brokers for the activity stream; empty disables it")
	pf.String("activity-topic", "relay.activity", "Kafka topic carrying activity log entries")

	bindFlag("log_level", pf, "log-level")
	bindFlag("store_driver", pf, "store-driver")
	bindFlag("sqlite_path", pf, "sqlite-path")
	bindFlag("postgres_dsn", pf, "postgres-dsn")
	bindFlag("kafka_brokers", pf, "kafka-brokers")
	bindFlag("activity_topic", pf, "activity-topic")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newInitCmd("relay", defaultRelayYAML))
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig loads .env into the environment, then the config file, so
// precedence is flag > env > file > default.
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "error reading .env:", err)
		os.Exit(1)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("relay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.go-task-relay")
		viper.AddConfigPath("/etc/go-task-relay")
	}

	config.SetDefaults(viper.GetViper())
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, flags *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, flags.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
