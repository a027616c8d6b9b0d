package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"echoroi/internal/annotation"
	"echoroi/internal/config"
	"echoroi/internal/reconcile"
	"echoroi/internal/shape"
	"echoroi/internal/store"
)

func initCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file, directories and registry schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if err := a.cfg.EnsureDirectories(); err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "Created config %s\n", path)
			} else {
				fmt.Fprintf(out, "Using config %s\n", path)
			}
			fmt.Fprintf(out, "Registry ready at %s\n", st.Path())
			return nil
		},
	}
}

func assignIDsCommand(a *app) *cobra.Command {
	var session string
	var start int

	cmd := &cobra.Command{
		Use:   "assign-ids [dir]",
		Short: "Give every shape without an id a session-scoped id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.annotationDir(args)
			if session == "" {
				session = a.cfg.Annotations.SessionPrefix
			}
			if session == "" {
				session = annotation.SessionID(time.Now())
			}

			next, assigned, err := annotation.AssignIDs(dir, session, start)
			if err != nil {
				return err
			}
			a.logger.Info("assigned shape ids", "dir", dir, "session", session, "assigned", assigned)
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %d ids in %s (session %s, next counter %d)\n", assigned, dir, session, next)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Session prefix for new ids (default: current time)")
	cmd.Flags().IntVar(&start, "start", 0, "First counter value of the session")
	return cmd
}

// newReconciler builds a reconciler from the configuration. policy
// overrides the configured skip policy when non-empty.
func (a *app) newReconciler(st *store.Store, cfg *config.Config, policy string, validate bool, extra ...reconcile.Option) (*reconcile.Reconciler, error) {
	if policy == "" {
		policy = cfg.Annotations.SkipPolicy
	}
	p, err := reconcile.ParseSkipPolicy(policy)
	if err != nil {
		return nil, err
	}

	opts := []reconcile.Option{
		reconcile.WithLogger(a.logger),
		reconcile.WithSkipPolicy(p),
	}
	if validate && cfg.Annotations.ValidateSchema {
		v, err := annotation.NewValidator()
		if err != nil {
			return nil, err
		}
		opts = append(opts, reconcile.WithValidator(v))
	}
	return reconcile.New(st, append(opts, extra...)...), nil
}

func reconcileCommand(a *app) *cobra.Command {
	var policy string
	var noValidate bool

	cmd := &cobra.Command{
		Use:   "reconcile [dir]",
		Short: "Run one reconciliation pass over an annotation directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := a.newReconciler(st, a.cfg, policy, !noValidate)
			if err != nil {
				return err
			}
			report, err := r.Run(cmd.Context(), a.annotationDir(args))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&policy, "skip-policy", "", "Handling of unreadable records: delete, preserve")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "Skip JSON schema validation of records")
	return cmd
}

func printReport(w io.Writer, r *reconcile.Report) {
	fmt.Fprintf(w, "Pass %s over %s\n", r.PassID, r.SourceDir)
	fmt.Fprintf(w, "  %s\n", r)
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", s)
	}
}

func statusCommand(a *app) *cobra.Command {
	var passes int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shape counts per status and recent passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return err
			}
			history, err := st.ListPasses(ctx, passes)
			if err != nil {
				return err
			}
			schema, err := st.SchemaStatus(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registry: %s\n", st.Path())
			fmt.Fprintf(out, "Schema: v%d (latest v%d, %d pending)\n", schema.Current, schema.Latest, len(schema.Pending()))
			for _, s := range shape.Statuses {
				fmt.Fprintf(out, "  %-10s %d\n", s, counts[s])
			}
			if len(history) > 0 {
				fmt.Fprintln(out, "Recent passes:")
			}
			for _, p := range history {
				fmt.Fprintf(out, "  %s  %s  new=%d modified=%d unchanged=%d deleted=%d skipped=%d\n",
					p.StartedAt.Format(time.DateTime), p.SourceDir,
					p.New, p.Modified, p.Unchanged, p.Deleted, p.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&passes, "passes", 5, "Number of recent passes to show")
	return cmd
}

func parseStatuses(names []string) ([]shape.Status, error) {
	var statuses []shape.Status
	for _, n := range names {
		s, err := shape.ParseStatus(strings.ToLower(strings.TrimSpace(n)))
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func listCommand(a *app) *cobra.Command {
	var statusNames []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered shapes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusNames)
			if err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.ListForExtraction(cmd.Context(), store.Filter{Statuses: statuses})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range recs {
				fmt.Fprintf(out, "%s\t%s\t%s\tt=%d..%d z=%d..%d\t%s\n",
					r.ID, r.Status, r.Kind, r.BBox.TMin, r.BBox.TMax, r.BBox.ZMin, r.BBox.ZMax, r.ImageRef)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusNames, "status", nil, "Statuses to list (default: all active)")
	return cmd
}

// shapeJSON is the printed form of a registry record.
type shapeJSON struct {
	ID         string     `json:"id"`
	ImageRef   string     `json:"image_reference"`
	Kind       shape.Kind `json:"shape_type"`
	Points     [][2]int   `json:"points"`
	BBox       bboxJSON   `json:"bbox"`
	Hash       string     `json:"geometry_hash"`
	Status     string     `json:"status"`
	CreatedAt  string     `json:"created_at"`
	ModifiedAt string     `json:"modified_at"`
}

type bboxJSON struct {
	TMin int `json:"it_min"`
	TMax int `json:"it_max"`
	ZMin int `json:"iz_min"`
	ZMax int `json:"iz_max"`
}

func newShapeJSON(r *shape.Record) shapeJSON {
	return shapeJSON{
		ID:         r.ID,
		ImageRef:   r.ImageRef,
		Kind:       r.Kind,
		Points:     shape.PairsOf(r.Points),
		BBox:       bboxJSON{TMin: r.BBox.TMin, TMax: r.BBox.TMax, ZMin: r.BBox.ZMin, ZMax: r.BBox.ZMax},
		Hash:       r.Hash,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt.Format(time.DateTime),
		ModifiedAt: r.ModifiedAt.Format(time.DateTime),
	}
}

func showCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one registered shape as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(newShapeJSON(rec))
		},
	}
}

func purgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Physically remove shapes marked deleted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PurgeDeleted(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("purged deleted shapes", "count", n)
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d deleted shapes\n", n)
			return nil
		},
	}
}

func verifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the schema, then stored hashes, kinds and bounding boxes against the points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if err := st.CheckSchema(ctx); err != nil {
				return err
			}
			corrupted, err := st.VerifyAll(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Schema v%d complete\n", store.LatestVersion())
			for _, c := range corrupted {
				fmt.Fprintf(out, "CORRUPT %s: %v\n", c.ID, c.Err)
			}
			if len(corrupted) > 0 {
				return fmt.Errorf("%d corrupted shapes", len(corrupted))
			}
			fmt.Fprintln(out, "Registry verified")
			return nil
		},
	}
}
