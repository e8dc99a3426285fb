package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manash/jimeng/internal/batch"
	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/keys"
	"github.com/manash/jimeng/internal/server"
	"github.com/manash/jimeng/pkg/models"
)

var (
	flagParallel    int
	flagStopOnError bool
	flagDelay       time.Duration

	flagRegion string
	flagLimit  int
	flagPort   string
)

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Run every prompt in a .txt, .json or .yaml file",
		Long: `Run a batch of jobs. Text files hold one prompt per line; JSON and YAML
files hold a list of objects with prompt, model, resolution, ratio,
negative_prompt, sample_strength, intelligent_ratio and images fields.
Items with images run as compositions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(args[0], app)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flagModel, "model", "m", "", "default model for items without one")
	f.StringVarP(&flagRatio, "ratio", "r", string(models.Ratio1x1), "default aspect ratio")
	f.StringVar(&flagResolution, "resolution", string(models.Tier2K), "default resolution tier")
	f.StringVar(&flagOutputDir, "dir", "", "output directory (defaults to JIMENG_OUTPUT_DIR)")
	f.BoolVar(&flagNoDownload, "no-download", false, "print result URLs without downloading")
	f.IntVarP(&flagParallel, "parallel", "p", 1, "number of jobs to run at once")
	f.BoolVar(&flagStopOnError, "stop-on-error", false, "stop at the first failed item")
	f.DurationVar(&flagDelay, "delay", 0, "pause between sequential items")
	return cmd
}

func runBatch(path string, app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	items, err := batch.ParseFile(path)
	if err != nil {
		return err
	}

	rt, err := app.setup("warn")
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := app.session(rt)
	if err != nil {
		return err
	}

	dir := flagOutputDir
	if dir == "" {
		dir = rt.Config.OutputDir
	}
	var artifacts batch.ArtifactRecorder
	if rt.History != nil {
		artifacts = rt.History
	}

	proc := batch.NewProcessor(app.NewGenerator(rt, nil), app.NewSaver(dir), artifacts, app.Out, app.Err)
	fmt.Fprintf(app.Out, "Running %d job(s) in %s...\n", len(items), sess.Region.DisplayName())

	results, err := proc.Process(ctx, items, &batch.Options{
		Session:      sess,
		DefaultModel: flagModel,
		DefaultTier:  flagResolution,
		DefaultRatio: flagRatio,
		Download:     !flagNoDownload,
		Parallel:     flagParallel,
		StopOnError:  flagStopOnError,
		Delay:        flagDelay,
	})
	proc.PrintSummary(results)
	if err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errPartialFailure, failed, len(results))
	}
	return nil
}

func newModelsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models and the regions that offer them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(app)
		},
	}
	cmd.Flags().StringVar(&flagRegion, "region", "", "only list models offered in this region (cn, us, hk, jp, sg)")
	return cmd
}

func runModels(app *App) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	catalog := models.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = models.LoadCatalog(cfg.CatalogPath); err != nil {
			return err
		}
	}

	var filter models.Region
	if flagRegion != "" {
		if filter, err = models.ParseRegion(flagRegion); err != nil {
			return err
		}
	}

	for _, e := range catalog.Entries() {
		if filter != "" && !e.AvailableIn(filter) {
			continue
		}
		regions := make([]string, len(e.Regions))
		for i, r := range e.Regions {
			regions[i] = string(r)
		}
		var notes []string
		if e.MultiImage {
			notes = append(notes, "multi-image")
		}
		if e.IntelligentRatio {
			notes = append(notes, "intelligent ratio")
		}
		if filter != "" {
			if c, ok := e.ConstraintFor(filter); ok && c.Fixed() {
				notes = append(notes, "fixed resolution")
			}
		}

		line := fmt.Sprintf("%-22s %-6s %-16s %s", e.ID, e.Type, strings.Join(regions, ","), e.Name)
		if len(notes) > 0 {
			line += " (" + strings.Join(notes, ", ") + ")"
		}
		fmt.Fprintln(app.Out, line)
	}
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(app, func(ctx context.Context, store *history.Store) error {
				jobs, err := store.ListJobs(ctx, flagLimit)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(app.Out, "No jobs recorded.")
					return nil
				}
				for _, j := range jobs {
					fmt.Fprintf(app.Out, "%-20s %-10s %-16s %-14s %s\n",
						firstNonEmpty(j.HistoryID, j.SubmitID), j.State, j.UserModel,
						humanize.Time(j.CreatedAt), truncate(j.Prompt, 50))
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&flagLimit, "limit", "n", 20, "number of jobs to show (0 for all)")

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one job by submit or history id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(app, func(ctx context.Context, store *history.Store) error {
				job, err := store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				printJob(app, job)
				return nil
			})
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count jobs by outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(app, func(ctx context.Context, store *history.Store) error {
				sum, err := store.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Jobs:      %s\n", humanize.Comma(int64(sum.Total)))
				fmt.Fprintf(app.Out, "Succeeded: %d\n", sum.Succeeded)
				fmt.Fprintf(app.Out, "Failed:    %d\n", sum.Failed)
				fmt.Fprintf(app.Out, "Timed out: %d\n", sum.TimedOut)
				fmt.Fprintf(app.Out, "Pending:   %d\n", sum.Pending)
				fmt.Fprintf(app.Out, "Images:    %s\n", humanize.Comma(int64(sum.Artifacts)))
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete [submit-id]",
		Short: "Delete a job and its artifacts from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(app, func(ctx context.Context, store *history.Store) error {
				job, err := store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteJob(ctx, job.SubmitID); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Deleted %s\n", job.SubmitID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, summary, del)
	return cmd
}

func withHistory(app *App, fn func(ctx context.Context, store *history.Store) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := app.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func printJob(app *App, j *history.Job) {
	fmt.Fprintf(app.Out, "Submit ID:  %s\n", j.SubmitID)
	fmt.Fprintf(app.Out, "History ID: %s\n", j.HistoryID)
	fmt.Fprintf(app.Out, "Region:     %s\n", j.Region)
	fmt.Fprintf(app.Out, "Mode:       %s\n", j.Mode)
	fmt.Fprintf(app.Out, "Model:      %s (%s)\n", j.UserModel, j.BackendModel)
	fmt.Fprintf(app.Out, "Size:       %dx%d %s\n", j.Width, j.Height, j.Tier)
	fmt.Fprintf(app.Out, "Prompt:     %s\n", j.Prompt)
	if j.Metadata.NegativePrompt != "" {
		fmt.Fprintf(app.Out, "Negative:   %s\n", j.Metadata.NegativePrompt)
	}
	fmt.Fprintf(app.Out, "State:      %s after %d polls (%s)\n", j.State, j.Polls, j.Elapsed)
	if j.FailCode != "" {
		fmt.Fprintf(app.Out, "Fail code:  %s\n", j.FailCode)
	}
	if j.Error != "" {
		fmt.Fprintf(app.Out, "Error:      %s\n", j.Error)
	}
	fmt.Fprintf(app.Out, "Created:    %s (%s)\n", history.FormatTimestamp(j.CreatedAt), humanize.Time(j.CreatedAt))
	for _, a := range j.Artifacts {
		if a.LocalPath != "" {
			fmt.Fprintf(app.Out, "  [%d] %s -> %s\n", a.Index, a.URL, a.LocalPath)
		} else {
			fmt.Fprintf(app.Out, "  [%d] %s\n", a.Index, a.URL)
		}
	}
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage saved session tokens",
	}

	set := &cobra.Command{
		Use:   "set [name] [token]",
		Short: "Save a session token (name defaults to \"default\")",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			name, token := keys.DefaultName, args[0]
			if len(args) == 2 {
				name, token = args[0], args[1]
			}
			entry, err := store.Set(name, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Saved session %q for region %s in %s\n", name, entry.Region, store.Path())
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(app.Out, "No saved sessions.")
				return nil
			}
			for _, name := range names {
				entry, _, err := store.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "%-12s %-4s %s  added %s\n", name, entry.Region, keys.Mask(entry.Token), humanize.Time(entry.AddedAt))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted session %q\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generation API over HTTP",
		Long: `Serve an HTTP API. Clients pass one or more comma separated session
tokens as "Authorization: Bearer <token>[,<token>...]".

Routes:
  GET  /ping
  GET  /v1/models
  POST /v1/images/generations
  POST /v1/images/compositions
  GET  /v1/jobs/{id}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(app)
		},
	}
	cmd.Flags().StringVar(&flagPort, "port", "", "listen port (defaults to PORT or 5100)")
	return cmd
}

func runServe(app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.setup("info")
	if err != nil {
		return err
	}
	defer rt.Close()

	port := flagPort
	if port == "" {
		port = rt.Config.Port
	}

	var jobs server.JobLookup
	if rt.History != nil {
		jobs = rt.History
	}
	h := server.NewHandler(app.NewGenerator(rt, nil), rt.Catalog, jobs, rt.Logger)
	return app.Serve(ctx, net.JoinHostPort("", port), h, rt)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
