package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
)

type migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Version() (int64, error)
}

type bookRecomputer interface {
	RecomputeGradeBook(ctx context.Context, gradeBookID string) ([]models.AggregateOutcome, error)
}

type backend struct {
	migrations migrator
	aggregator bookRecomputer
	close      func() error
}

type backendOpener func(ctx context.Context) (*backend, error)

func newRootCmd(open backendOpener) *cobra.Command {
	root := &cobra.Command{
		Use:           "gradebookctl",
		Short:         "Operate the campus gradebook database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	withBackend := func(run func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if b.close != nil {
				defer b.close() //nolint:errcheck
			}
			return run(cmd, b, args)
		}
	}

	migrate := &cobra.Command{Use: "migrate", Short: "Manage the schema"}
	migrate.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
				if err := b.migrations.Up(cmd.Context()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				return printVersion(cmd, b)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
				if err := b.migrations.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				return printVersion(cmd, b)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
				return printVersion(cmd, b)
			}),
		},
	)

	recompute := &cobra.Command{
		Use:   "recompute <grade-book-id>",
		Short: "Recompute every student rollup in a grade book",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b *backend, args []string) error {
			outcomes, err := b.aggregator.RecomputeGradeBook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stale := 0
			for _, outcome := range outcomes {
				if outcome.Stale() {
					stale++
					fmt.Fprintf(cmd.ErrOrStderr(), "stale: student %s: %s\n", outcome.StudentID, outcome.Reason)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d students, %d stale\n", len(outcomes), stale)
			if stale > 0 {
				return fmt.Errorf("%d rollups left stale", stale)
			}
			return nil
		}),
	}

	root.AddCommand(migrate, recompute)
	return root
}

func printVersion(cmd *cobra.Command, b *backend) error {
	version, err := b.migrations.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}
