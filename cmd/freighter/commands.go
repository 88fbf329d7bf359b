package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/engine"
	"github.com/artpar/freighter/internal/shell/docker"
	"github.com/artpar/freighter/internal/shell/history"
	"github.com/artpar/freighter/internal/shell/queue"
	"github.com/artpar/freighter/internal/shell/registry"
	"github.com/artpar/freighter/internal/shell/ship"
)

// errDispatchFailed is returned when an action ran to completion but at
// least one service failed.
var errDispatchFailed = errors.New("dispatch failed")

// configError marks errors caused by settings, flags or the manifest.
type configError struct {
	Err error
}

func (e *configError) Error() string { return e.Err.Error() }
func (e *configError) Unwrap() error { return e.Err }

func newConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{Err: err}
}

// =============================================================================
// App
// =============================================================================

// app is the state shared by all commands of one invocation.
type app struct {
	configPath   string
	manifestPath string
	logLevel     string
	logFormat    string

	settings *Settings
	logger   *slog.Logger

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// connect overrides how docker clients are created.
	connect docker.ConnectFunc
	// checker overrides queue process liveness checks.
	checker queue.ProcessChecker
}

func newApp() *app {
	return &app{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
	}
}

// load reads settings and sets up logging. Flags override settings.
func (a *app) load() error {
	settings, err := LoadSettings(a.configPath)
	if err != nil {
		return newConfigError(err)
	}
	if a.logLevel != "" {
		settings.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		settings.Log.Format = a.logFormat
	}
	a.settings = settings
	a.logger = SetupLogger(settings.Log, a.errOut)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) manifest() (*manifest.Manifest, error) {
	m, err := manifest.Load(a.manifestPath)
	if err != nil {
		return nil, newConfigError(err)
	}
	return m, nil
}

func (a *app) pool() *docker.Pool {
	if a.connect != nil {
		return docker.NewPool(a.connect)
	}
	return docker.NewDefaultPool(docker.ConnectOptions{Out: a.out, Logger: a.logger})
}

// openHistory opens the run ledger. A ledger that can't be opened disables
// history for the run.
func (a *app) openHistory() *history.SQLiteStore {
	if !a.settings.History.Enabled {
		return nil
	}
	path := a.settings.History.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	store, err := history.NewSQLiteStore(path)
	if err != nil {
		a.logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return store
}

// forwarder wires a forwarder for the manifest. The returned func releases
// every connection.
func (a *app) forwarder() (*engine.Forwarder, func(), error) {
	m, err := a.manifest()
	if err != nil {
		return nil, nil, err
	}
	manifestDir, err := filepath.Abs(filepath.Dir(a.manifestPath))
	if err != nil {
		return nil, nil, newConfigError(err)
	}

	pool := a.pool()
	q := queue.New(queue.Config{
		Root:         a.settings.StateDir,
		Team:         m.Team,
		Project:      m.Project,
		Checker:      a.checker,
		PollInterval: a.settings.Queue.PollInterval,
		Out:          a.errOut,
		Logger:       a.logger,
	})

	cfg := engine.Config{
		Manifest:    m,
		ManifestDir: manifestDir,
		Pool:        pool,
		Queue:       q,
		Ship: ship.Config{
			StartPollAttempts: a.settings.Docker.StartPollAttempts,
			StartPollInterval: a.settings.Docker.StartPollInterval,
			StopTimeout:       a.settings.Docker.StopTimeout,
			CargoRetain:       a.settings.Cargo.Retain,
			Out:               a.out,
			Logger:            a.logger,
		},
		Registry: registry.Config{
			RetryMax:  a.settings.Registry.RetryMax,
			RetryWait: a.settings.Registry.RetryWait,
			Logger:    a.logger,
		},
		InjectorPath: a.settings.Injector.Path,
		Version:      Version,
		GitSHA:       GitSHA,
		Logger:       a.logger,
	}
	store := a.openHistory()
	if store != nil {
		cfg.History = store
	}

	f, err := engine.New(cfg)
	if err != nil {
		pool.CloseAll()
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return f, func() {
		pool.CloseAll()
		if store != nil {
			store.Close()
		}
	}, nil
}

// actionFunc runs one action against an invoice.
type actionFunc func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error)

// dispatch builds the invoice for req and runs fn, reporting the outcome.
func (a *app) dispatch(ctx context.Context, req invoice.Request, fn actionFunc) error {
	f, release, err := a.forwarder()
	if err != nil {
		return err
	}
	defer release()

	inv, err := f.CommercialInvoice(ctx, req)
	if err != nil {
		return newConfigError(err)
	}

	start := time.Now()
	ok, err := fn(ctx, f, inv)
	printOutcome(a.out, inv, ok && err == nil, time.Since(start))
	if err != nil {
		return err
	}
	if !ok {
		return errDispatchFailed
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// dispatchFlags are the flags every action takes.
type dispatchFlags struct {
	environment     string
	dataCenter      string
	service         string
	tags            []string
	noTaggingScheme bool
}

func (d *dispatchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&d.environment, "environment", "e", "", "environment to dispatch to")
	cmd.Flags().StringVarP(&d.dataCenter, "data-center", "d", "", "data center to dispatch to")
	cmd.Flags().StringVarP(&d.service, "service", "s", "", "service to dispatch")
}

func (d *dispatchFlags) request(action manifest.Action) (invoice.Request, error) {
	if d.environment == "" {
		return invoice.Request{}, newConfigError(errors.New("--environment is required"))
	}
	if d.service == "" {
		return invoice.Request{}, newConfigError(errors.New("--service is required"))
	}
	return invoice.Request{
		Action:          action,
		Environment:     d.environment,
		DataCenter:      d.dataCenter,
		Service:         d.service,
		Tags:            d.tags,
		NoTaggingScheme: d.noTaggingScheme,
	}, nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "freighter",
		Short:         "Ship docker containers to fleets of hosts",
		Version:       fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return newConfigError(err)
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "settings file (default ~/.freighter/config.yaml)")
	root.PersistentFlags().StringVarP(&a.manifestPath, "manifest", "m", manifest.DefaultFile, "project manifest")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newDeployCommand(a),
		newExportCommand(a),
		newQualityControlCommand(a),
		newTestCommand(a),
		newOffloadCommand(a),
		newInfoCommand(a),
		newMarshalingYardCommand(a),
		newHistoryCommand(a),
	)
	return root
}

func newDeployCommand(a *app) *cobra.Command {
	var (
		flags dispatchFlags
		tag   string
		env   []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a service and cycle its dependents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tag != "" {
				flags.tags = []string{tag}
			}
			req, err := flags.request(manifest.ActionDeploy)
			if err != nil {
				return err
			}
			return a.dispatch(cmd.Context(), req, func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error) {
				opts := engine.DeployOptions{Env: env}
				if tag != "" {
					opts.Tag = inv.Tags[0]
				}
				return f.DeployContainers(ctx, inv, opts)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image tag to deploy, prefixed by the tagging scheme")
	cmd.Flags().BoolVar(&flags.noTaggingScheme, "no-tagging-scheme", false, "use --tag as given")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra KEY=VALUE environment variables for the service")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var (
		flags dispatchFlags
		opts  engine.ExportOptions
		tests bool
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build, validate and push a service image to its registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(manifest.ActionExport)
			if err != nil {
				return err
			}
			if opts.NoValidation && !yes {
				if err := a.confirmNoValidation(flags.service); err != nil {
					return err
				}
			}
			opts.NoTests = !tests
			return a.dispatch(cmd.Context(), req, func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error) {
				return f.Export(ctx, inv, opts)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&flags.tags, "tag", "t", nil, "tags to push, prefixed by the tagging scheme")
	cmd.Flags().BoolVar(&flags.noTaggingScheme, "no-tagging-scheme", false, "push tags as given")
	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "delete all service images afterwards")
	cmd.Flags().BoolVar(&opts.Configs, "configs", false, "inject config files into the image")
	cmd.Flags().BoolVar(&tests, "test", true, "run the service tests before pushing")
	cmd.Flags().BoolVar(&opts.UseCache, "use-cache", false, "use the docker build cache")
	cmd.Flags().BoolVar(&opts.NoValidation, "no-validation", false, "push without a clean work tree and without running the service")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "don't ask for confirmation")
	return cmd
}

// confirmNoValidation asks before an unvalidated export. Without a terminal
// the caller must pass -y.
func (a *app) confirmNoValidation(svc string) error {
	f, ok := a.in.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return newConfigError(errors.New("--no-validation needs -y when not attached to a terminal"))
	}

	var confirmed bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Export %s without validation?", svc)).
		Description("The image is pushed without checking the work tree or running the service.").
		Affirmative("Export").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return err
	}
	if !confirmed {
		return errors.New("export cancelled")
	}
	return nil
}

func newQualityControlCommand(a *app) *cobra.Command {
	var (
		flags dispatchFlags
		opts  engine.QualityControlOptions
		tests bool
	)
	cmd := &cobra.Command{
		Use:     "quality-control",
		Aliases: []string{"qc"},
		Short:   "Build and run a service with its dependencies locally",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(manifest.ActionQualityControl)
			if err != nil {
				return err
			}
			opts.NoTests = !tests
			return a.dispatch(cmd.Context(), req, func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error) {
				return f.QualityControl(ctx, inv, opts)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&opts.Attach, "attach", false, "attach to the service container")
	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "delete all service containers and images afterwards")
	cmd.Flags().BoolVar(&opts.Configs, "configs", false, "inject config files into the image")
	cmd.Flags().BoolVar(&tests, "test", true, "run the service tests")
	cmd.Flags().BoolVar(&opts.UseCache, "use-cache", false, "use the docker build cache")
	cmd.Flags().StringArrayVar(&opts.Env, "env", nil, "extra KEY=VALUE environment variables for the service")
	return cmd
}

func newTestCommand(a *app) *cobra.Command {
	var (
		flags dispatchFlags
		opts  engine.TestOptions
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Build and run the test image of a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(manifest.ActionTest)
			if err != nil {
				return err
			}
			return a.dispatch(cmd.Context(), req, func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error) {
				return f.Test(ctx, inv, opts)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&opts.Configs, "configs", false, "inject config files into the image")
	return cmd
}

func newOffloadCommand(a *app) *cobra.Command {
	var flags dispatchFlags
	cmd := &cobra.Command{
		Use:   "offload",
		Short: "Delete every container and image of a service and its dependents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(manifest.ActionOffload)
			if err != nil {
				return err
			}
			return a.dispatch(cmd.Context(), req, func(ctx context.Context, f *engine.Forwarder, inv *invoice.Invoice) (bool, error) {
				return f.Offload(ctx, inv)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show versions and a summary of the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersions(a.out, a.localEngine(cmd.Context()))

			m, err := manifest.Load(a.manifestPath)
			if err != nil {
				fmt.Fprintf(a.out, "\n%s\n", styles.muted.Render("no manifest: "+err.Error()))
				return nil
			}
			printManifest(a.out, m)
			return nil
		},
	}
}

// localEngine returns the version of the docker engine at DOCKER_HOST, or
// nil when it can't be reached.
func (a *app) localEngine(ctx context.Context) *docker.Version {
	address := os.Getenv("DOCKER_HOST")
	if address == "" {
		address = "unix:///var/run/docker.sock"
	}
	pool := a.pool()
	defer pool.CloseAll()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := pool.Get(ctx, docker.Endpoint{Address: address, CertPath: os.Getenv("DOCKER_CERT_PATH")})
	if err != nil {
		a.logger.Debug("docker engine unavailable", "address", address, "error", err)
		return nil
	}
	v, err := client.Version(ctx)
	if err != nil {
		a.logger.Debug("docker engine unavailable", "address", address, "error", err)
		return nil
	}
	return v
}

func newMarshalingYardCommand(a *app) *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "marshaling-yard",
		Short: "Query a registry of the manifest",
	}
	cmd.PersistentFlags().StringVarP(&alias, "alias", "a", "default", "registry alias")

	connect := func(ctx context.Context) (*registry.Client, error) {
		m, err := a.manifest()
		if err != nil {
			return nil, err
		}
		reg, ok := invoice.Registries(m.Registries)[alias]
		if !ok {
			return nil, newConfigError(fmt.Errorf("%w: %q", manifest.ErrUnknownRegistry, alias))
		}
		return registry.New(ctx, reg, registry.Config{
			RetryMax:  a.settings.Registry.RetryMax,
			RetryWait: a.settings.Registry.RetryWait,
			Logger:    a.logger,
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "search TERM",
		Short: "Search repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			names, err := c.Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(a.out, name)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "tags IMAGE",
		Short: "List the tags of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			for tag, err := range c.Tags(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, tag)
			}
			return nil
		},
	})
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var opts history.ListOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.settings.History.Path
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(a.out, styles.muted.Render("no runs recorded"))
				return nil
			}
			store, err := history.NewSQLiteStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printRuns(a.out, runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", history.DefaultListOptions().Limit, "number of runs to show")
	return cmd
}
