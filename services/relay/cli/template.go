package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-relay/internal/template"
	"github.com/ramiqadoumi/go-task-relay/services/relay"
	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage task templates in the entity store",
}

var templateImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or replace templates from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateImport,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates",
	Args:  cobra.NoArgs,
	RunE:  runTemplateList,
}

func init() {
	templateCmd.AddCommand(templateImportCmd, templateListCmd)
}

func templateService(ctx context.Context) (*template.Service, func() error, error) {
	cfg := config.Load(viper.GetViper())
	st, err := relay.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return template.NewService(st, nil), st.Close, nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	tpls, err := template.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	svc, closeStore, err := templateService(ctx)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	n, err := svc.Import(ctx, tpls)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d templates\n", n, len(tpls))
	return err
}

func runTemplateList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	svc, closeStore, err := templateService(ctx)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	tpls, err := svc.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIORITY\tSCHEDULE\tNEXT RUN\tVARIABLES")
	for _, t := range tpls {
		next := "-"
		if t.NextRunAt != nil {
			next = t.NextRunAt.Local().Format(time.DateTime)
		}
		schedule := t.Schedule
		if schedule == "" {
			schedule = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", t.Name, t.Priority, schedule, next, t.Variables)
	}
	return w.Flush()
}
