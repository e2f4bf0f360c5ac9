// Command charterctl runs maintenance tasks against a Charter deployment:
// migrations, workflow import and export, permission sync, CSV exports and
// search reindexing.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"charter/api/internal/app"
	"charter/api/internal/config"
	"charter/api/internal/gitrepo"
	"charter/api/internal/search"
	"charter/api/internal/session"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "charterctl",
		Short:         "Administer a Charter proposal workspace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newWorkflowCmd(),
		newSyncCmd(),
		newExportCmd(),
		newSearchCmd(),
	)
	return root
}

// deps bundles the connections a command needs. close releases them.
type deps struct {
	cfg     config.Config
	db      *sql.DB
	service *app.Service
	closers []func()
}

func (r *deps) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openDB(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, db, nil
}

func openRuntime(ctx context.Context) (*deps, error) {
	cfg, db, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	rt := &deps{cfg: cfg, db: db}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		rt.close()
		return nil, fmt.Errorf("create workflow archive dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, meiliClient.Close)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(dataStore))
	archive := gitrepo.New(cfg.ArchiveDir)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Dial(cfg.RedisURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		redisStore := session.NewRedisStoreWithClient(client)
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		rt.service = app.NewWithSessionStore(cfg, dataStore, redisStore, archive, searchService)
		rt.service.SetFlagCache(session.NewFlagCache(client, cfg.PermissionCacheTTL))
	} else {
		rt.service = app.New(cfg, dataStore, archive, searchService)
	}
	return rt, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := store.RollbackMigration(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			if version == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			statuses, err := store.Migrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			for _, m := range statuses {
				state := "pending"
				if m.Applied {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, m.Version)
			}
			return nil
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Import and export workflow definitions as YAML",
	}

	var spaceID, author string
	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update a workflow from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(args[0])
			if err != nil {
				return err
			}
			var wf workflow.Workflow
			if err := yaml.Unmarshal(raw, &wf); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			saved, err := rt.service.ImportWorkflow(cmd.Context(), spaceID, wf, author)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported workflow %s (%s) with %d evaluation templates\n", saved.ID, saved.Title, len(saved.Evaluations))
			return nil
		},
	}
	importCmd.Flags().StringVar(&spaceID, "space", "", "space that owns the workflow")
	importCmd.Flags().StringVar(&author, "author", "charterctl", "author recorded in the workflow history")
	_ = importCmd.MarkFlagRequired("space")

	var exportSpace string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write every workflow of a space to stdout as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			workflows, err := rt.service.ExportWorkflows(cmd.Context(), exportSpace)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			for _, wf := range workflows {
				if err := enc.Encode(wf); err != nil {
					return err
				}
			}
			return enc.Close()
		},
	}
	exportCmd.Flags().StringVar(&exportSpace, "space", "", "space to export")
	_ = exportCmd.MarkFlagRequired("space")

	cmd.AddCommand(importCmd, exportCmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	var workflowID, proposalID string
	var evaluationIDs []string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reset proposal permissions to their workflow templates",
		Long: `Reset evaluation permission sets to the grants of the matching workflow templates.

  charterctl sync --workflow wf_123                  # every proposal using the workflow
  charterctl sync --proposal prp_1                   # all evaluations of one proposal
  charterctl sync --proposal prp_1 --evaluation ev_2 # selected evaluations only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (workflowID == "") == (proposalID == "") {
				return fmt.Errorf("exactly one of --workflow or --proposal is required")
			}
			if workflowID != "" && len(evaluationIDs) > 0 {
				return fmt.Errorf("--evaluation requires --proposal")
			}

			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			out := cmd.OutOrStdout()
			if proposalID != "" {
				evs, err := rt.service.SyncProposalPermissionsWithWorkflow(cmd.Context(), proposalID, evaluationIDs)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "synced %d evaluations of %s\n", len(evs), proposalID)
				return nil
			}

			outcomes, err := rt.service.SyncWorkflowProposals(cmd.Context(), workflowID)
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Synced {
					fmt.Fprintf(out, "ok      %s\n", o.ProposalID)
					continue
				}
				failed++
				fmt.Fprintf(out, "failed  %s: %s\n", o.ProposalID, o.Error)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d proposals failed to sync", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "sync every proposal created from this workflow")
	cmd.Flags().StringVar(&proposalID, "proposal", "", "sync a single proposal")
	cmd.Flags().StringSliceVar(&evaluationIDs, "evaluation", nil, "limit a proposal sync to these evaluations")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export proposal data",
	}

	var spaceID, userID, output string
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Export the proposals of a space visible to a user as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.service.ExportProposalsCSV(cmd.Context(), app.Session{UserID: userID}, spaceID)
			if err != nil {
				return err
			}
			if res.URL != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.URL)
				return nil
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(res.Data)
				return err
			}
			if err := os.WriteFile(output, res.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			return nil
		},
	}
	csvCmd.Flags().StringVar(&spaceID, "space", "", "space to export")
	csvCmd.Flags().StringVar(&userID, "user", "", "user whose visibility applies")
	csvCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	_ = csvCmd.MarkFlagRequired("space")
	_ = csvCmd.MarkFlagRequired("user")

	cmd.AddCommand(csvCmd)
	return cmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Maintain the proposal search index",
	}

	var spaceID string
	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search documents of every proposal in a space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			n, err := rt.service.ReindexSpace(cmd.Context(), spaceID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d proposals\n", n)
			return nil
		},
	}
	reindex.Flags().StringVar(&spaceID, "space", "", "space to reindex")
	_ = reindex.MarkFlagRequired("space")

	cmd.AddCommand(reindex)
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
