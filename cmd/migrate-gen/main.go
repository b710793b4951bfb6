// Command migrate-gen generates SQL migration files for the pupstore SQL backends.
//
// Usage:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations --filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter postgres --output migrations
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter mysql --output migrations
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter sqlite --output migrations
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es/migrations"
)

type options struct {
	adapter          string
	outputFolder     string
	outputFilename   string
	eventsTable      string
	checkpointsTable string
	stdout           bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "migrate-gen",
		Short: "Generate the event store schema for a SQL database",
		Long: `Generate the event store schema for a SQL database.

The file holds the events table and the projection checkpoints table.

Examples:
  migrate-gen --adapter postgres --output migrations
  migrate-gen --adapter sqlite --filename 001_events.sql
  migrate-gen --adapter mysql --stdout`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.adapter, "adapter", "postgres", "database adapter: postgres, mysql, or sqlite")
	cmd.Flags().StringVarP(&opts.outputFolder, "output", "o", "migrations", "output folder for migration file")
	cmd.Flags().StringVar(&opts.outputFilename, "filename", "", "output filename (default: timestamp-based)")
	cmd.Flags().StringVar(&opts.eventsTable, "events-table", "events", "name of events table")
	cmd.Flags().StringVar(&opts.checkpointsTable, "checkpoints-table", "projection_checkpoints", "name of checkpoints table")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "print the migration instead of writing a file")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	dialect, err := migrations.ParseDialect(opts.adapter)
	if err != nil {
		return err
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = opts.outputFolder
	config.EventsTable = opts.eventsTable
	config.CheckpointsTable = opts.checkpointsTable
	if opts.outputFilename != "" {
		config.OutputFilename = opts.outputFilename
	}

	if opts.stdout {
		sql, err := migrations.Render(dialect, &config)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), sql)
		return err
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		return fmt.Errorf("failed to generate migration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s\n",
		dialect, filepath.Join(config.OutputFolder, config.OutputFilename))
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
