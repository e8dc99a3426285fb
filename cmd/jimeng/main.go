package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/manash/jimeng/internal/batch"
	"github.com/manash/jimeng/internal/config"
	"github.com/manash/jimeng/internal/display"
	"github.com/manash/jimeng/internal/generate"
	"github.com/manash/jimeng/internal/history"
	"github.com/manash/jimeng/internal/image"
	"github.com/manash/jimeng/internal/keys"
	"github.com/manash/jimeng/internal/logging"
	"github.com/manash/jimeng/internal/poller"
	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/internal/provider/jimeng"
	"github.com/manash/jimeng/internal/region"
	"github.com/manash/jimeng/internal/server"
	"github.com/manash/jimeng/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagSession     string
	flagSessionName string
	flagVerbose     bool
	flagNoHistory   bool

	flagModel       string
	flagRatio       string
	flagResolution  string
	flagNegative    string
	flagStrength    float64
	flagSeed        int64
	flagIntelligent bool
	flagOutput      string
	flagOutputDir   string
	flagNoDownload  bool
	flagShow        bool
	flagImages      []string
)

// Runtime is everything a command needs once config is loaded.
type Runtime struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Catalog *models.Catalog
	History *history.Store
}

func (rt *Runtime) Close() error {
	if rt.History != nil {
		return rt.History.Close()
	}
	return nil
}

type App struct {
	Out io.Writer
	Err io.Writer

	LoadConfig   func() (*config.Config, error)
	OpenHistory  func(path string) (*history.Store, error)
	NewGenerator func(rt *Runtime, onPoll func(models.JobHandle, poller.Observation)) batch.Generator
	NewSaver     func(dir string) *image.Saver
	NewDisplayer func(out io.Writer) *display.Displayer
	NewKeyStore  func() (*keys.Store, error)
	Serve        func(ctx context.Context, addr string, h *server.Handler, rt *Runtime) error
}

func DefaultApp() *App {
	return &App{
		Out:        os.Stdout,
		Err:        os.Stderr,
		LoadConfig: func() (*config.Config, error) { return config.Load() },
		OpenHistory: func(path string) (*history.Store, error) {
			if path == "" {
				return history.NewStore()
			}
			return history.NewStoreWithPath(path)
		},
		NewGenerator: newService,
		NewSaver:     image.NewSaver,
		NewDisplayer: display.New,
		NewKeyStore:  keys.NewStore,
		Serve: func(ctx context.Context, addr string, h *server.Handler, rt *Runtime) error {
			return server.Run(ctx, addr, server.NewRouter(h), rt.Config.ShutdownTimeout, rt.Logger)
		},
	}
}

// newService wires the jimeng backend for every region into a generation
// service.
func newService(rt *Runtime, onPoll func(models.JobHandle, poller.Observation)) batch.Generator {
	factory := provider.NewFactory(jimeng.NewConstructor(rt.Logger))
	rt.Config.ConfigureFactory(factory)

	var rec generate.Recorder
	if rt.History != nil {
		rec = rt.History
	}
	svc := generate.NewService(rt.Catalog, factory, rec, rt.Logger)
	svc.OnPoll = onPoll
	return svc
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jimeng",
		Short: "Generate images with Jimeng and Dreamina",
		Long: `jimeng drives the Jimeng (China) and Dreamina (international) image
generation backends. The region is taken from the session token prefix:
us-, hk-, jp- and sg- tokens are international, anything else is domestic.

Examples:
  jimeng generate "a lighthouse at dusk"
  jimeng generate -m jimeng-4.5 -r 16:9 --resolution 4k "a city skyline"
  jimeng compose -i cat.png -i hat.png "the cat wearing the hat"
  jimeng batch prompts.yaml --parallel 2
  jimeng serve --port 5100`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagSession, "session", "", "session token (defaults to saved session, then JIMENG_SESSION_ID)")
	pf.StringVar(&flagSessionName, "session-name", keys.DefaultName, "name of the saved session to use")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log backend requests and responses")
	pf.BoolVar(&flagNoHistory, "no-history", false, "do not record jobs in the history database")

	cmd.AddCommand(
		newGenerateCmd(app),
		newComposeCmd(app),
		newBatchCmd(app),
		newModelsCmd(app),
		newHistoryCmd(app),
		newKeysCmd(app),
		newServeCmd(app),
	)
	return cmd
}

func addImageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&flagModel, "model", "m", "", "model id (defaults to the region's default model)")
	f.StringVarP(&flagRatio, "ratio", "r", string(models.Ratio1x1), "aspect ratio (1:1, 4:3, 3:4, 16:9, 9:16, 3:2, 2:3, 21:9)")
	f.StringVar(&flagResolution, "resolution", string(models.Tier2K), "resolution tier (1k, 2k, 4k)")
	f.StringVar(&flagNegative, "negative", "", "negative prompt")
	f.Float64Var(&flagStrength, "strength", models.DefaultSampleStrength, "sample strength between 0 and 1")
	f.BoolVar(&flagIntelligent, "intelligent-ratio", false, "let the model pick the ratio from the prompt")
	f.StringVarP(&flagOutput, "output", "o", "", "output filename (numbered when several images are returned)")
	f.StringVar(&flagOutputDir, "dir", "", "output directory (defaults to JIMENG_OUTPUT_DIR)")
	f.BoolVar(&flagNoDownload, "no-download", false, "print result URLs without downloading")
	f.BoolVar(&flagShow, "show", false, "preview saved images inline (kitty, ghostty, iTerm2, WezTerm)")
}

func newGenerateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate images from a text prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, args, app)
		},
	}
	addImageFlags(cmd)
	cmd.Flags().Int64Var(&flagSeed, "seed", 0, "seed (random when unset)")
	return cmd
}

func newComposeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose [prompt]",
		Short: "Blend source images guided by a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, args, app)
		},
	}
	addImageFlags(cmd)
	cmd.Flags().StringArrayVarP(&flagImages, "image", "i", nil, "source image path or URL (repeatable)")
	return cmd
}

// setup loads config, logging, the catalog and, unless disabled, history.
// defaultLevel applies when neither JIMENG_LOG_LEVEL nor --verbose is set.
func (app *App) setup(defaultLevel string) (*Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if flagVerbose {
		cfg.Verbose = true
		level = "debug"
	} else if level == "" {
		level = defaultLevel
	}
	logger := logging.New(cfg.AppEnv, level, app.Err)

	catalog := models.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = models.LoadCatalog(cfg.CatalogPath); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{Config: cfg, Logger: logger, Catalog: catalog}
	if !flagNoHistory {
		store, err := app.OpenHistory(cfg.HistoryDB)
		if err != nil {
			logger.Warn().Err(err).Msg("history disabled")
		} else {
			rt.History = store
		}
	}
	return rt, nil
}

// session resolves the token from flag, saved sessions or environment.
func (app *App) session(rt *Runtime) (provider.Session, error) {
	var store *keys.Store
	if app.NewKeyStore != nil {
		if s, err := app.NewKeyStore(); err == nil {
			store = s
		}
	}
	token, source, err := store.Resolve(flagSession, flagSessionName, rt.Config.SessionID)
	if err != nil {
		return provider.Session{}, err
	}
	sess := region.FromToken(token)
	rt.Logger.Debug().Str("source", source).Str("region", sess.Region.String()).Msg("session resolved")
	return sess, nil
}

func imageRequest(prompt string, cmd *cobra.Command) (generate.ImageRequest, error) {
	if flagStrength < 0 || flagStrength > 1 {
		return generate.ImageRequest{}, fmt.Errorf("--strength must be between 0 and 1, got %g", flagStrength)
	}
	req := generate.ImageRequest{
		Model:            flagModel,
		Prompt:           prompt,
		NegativePrompt:   flagNegative,
		Tier:             flagResolution,
		Ratio:            flagRatio,
		SampleStrength:   flagStrength,
		IntelligentRatio: flagIntelligent,
	}
	if f := cmd.Flags().Lookup("seed"); f != nil && f.Changed {
		seed := flagSeed
		req.Seed = &seed
	}
	return req, nil
}

func (app *App) progress(h models.JobHandle, obs poller.Observation) {
	fmt.Fprintf(app.Err, "\r  poll %d: %s (%s, %s elapsed)   ", obs.Poll, obs.State, obs.Status.Code, obs.Elapsed.Truncate(1e9))
}

func runGenerate(cmd *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	req, err := imageRequest(args[0], cmd)
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

	gen := app.NewGenerator(rt, app.progress)
	fmt.Fprintf(app.Out, "Generating with %s in %s...\n", displayModel(req.Model), sess.Region.DisplayName())

	res, err := gen.GenerateImages(ctx, sess, req)
	fmt.Fprintln(app.Err)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	return app.report(ctx, rt, res)
}

func runCompose(cmd *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(flagImages) == 0 {
		return fmt.Errorf("%w: pass --image at least once", models.ErrNoSourceImages)
	}
	req, err := imageRequest(args[0], cmd)
	if err != nil {
		return err
	}
	sources, err := batch.ImageSources(flagImages)
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

	gen := app.NewGenerator(rt, app.progress)
	fmt.Fprintf(app.Out, "Composing %d image(s) with %s in %s...\n", len(sources), displayModel(req.Model), sess.Region.DisplayName())

	res, err := gen.GenerateComposition(ctx, sess, generate.CompositionRequest{ImageRequest: req, Images: sources})
	fmt.Fprintln(app.Err)
	if err != nil {
		return fmt.Errorf("composition failed: %w", err)
	}
	return app.report(ctx, rt, res)
}

// report prints the resolved job and saves its artifacts unless downloads
// are disabled.
func (app *App) report(ctx context.Context, rt *Runtime, res *generate.Result) error {
	if res.Model.Substituted {
		fmt.Fprintf(app.Out, "Model substituted: %s\n", res.Model.UserModel)
	}
	if res.Resolution.IsForced {
		fmt.Fprintf(app.Out, "Resolution forced by model: %dx%d\n", res.Resolution.Width, res.Resolution.Height)
	}
	fmt.Fprintf(app.Out, "History ID: %s (%d polls, %s)\n", res.Handle.HistoryID, res.Poll.Polls, res.Poll.Elapsed.Truncate(1e9))

	if flagNoDownload {
		for _, u := range res.URLs {
			fmt.Fprintln(app.Out, u)
		}
		return nil
	}

	dir := flagOutputDir
	if dir == "" {
		dir = rt.Config.OutputDir
	}
	saved, err := app.NewSaver(dir).SaveAll(ctx, res.URLs, flagOutput)
	for i, s := range saved {
		fmt.Fprintf(app.Out, "Saved: %s (%s)\n", s.Path, s.Size())
		if rt.History != nil {
			if perr := rt.History.SetArtifactPath(ctx, res.Handle.SubmitID, i, s.Path); perr != nil {
				rt.Logger.Warn().Err(perr).Msg("failed to record artifact path")
			}
		}
	}
	if err != nil {
		return err
	}

	if flagShow && len(saved) > 0 {
		app.show(saved)
	}
	fmt.Fprintln(app.Out, "Done!")
	return nil
}

func (app *App) show(saved []image.Saved) {
	if !display.IsTerminalSupported(app.Out) {
		fmt.Fprintln(app.Err, "Warning: terminal does not support inline images, skipping --show")
		return
	}
	paths := make([]string, len(saved))
	for i, s := range saved {
		paths[i] = s.Path
	}
	if err := app.NewDisplayer(app.Out).ShowAll(paths); err != nil {
		fmt.Fprintf(app.Err, "Warning: %v\n", err)
	}
}

func displayModel(m string) string {
	if strings.TrimSpace(m) == "" {
		return "the default model"
	}
	return m
}

// errPartialFailure is returned when a batch finished but some items failed.
var errPartialFailure = errors.New("some jobs failed")
