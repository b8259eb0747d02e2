// Caal is the control plane of a self-hosted voice assistant.
//
// It assembles the speech and reasoning pipeline for each session the
// host runtime starts, keeps the discovered tool catalog, and accepts
// out-of-band triggers (announce, wake, reload tools) over HTTP and,
// optionally, MQTT. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	caal serve               Start the control plane (default)
//	caal settings            Print the resolved runtime settings as JSON
//	caal health              Probe providers and integrations once
//	caal version             Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/caal/internal/agent"
	"github.com/nugget/caal/internal/bridge"
	"github.com/nugget/caal/internal/buildinfo"
	"github.com/nugget/caal/internal/config"
	"github.com/nugget/caal/internal/content"
	"github.com/nugget/caal/internal/events"
	"github.com/nugget/caal/internal/gateway"
	"github.com/nugget/caal/internal/mqtt"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/search"
	"github.com/nugget/caal/internal/session"
	"github.com/nugget/caal/internal/settings"
	"github.com/nugget/caal/internal/speech"
	"github.com/nugget/caal/internal/tools"
)

// main only builds the OS environment and hands it to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions are the parsed command line.
type cliOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	command    string
}

// parseArgs parses args by hand. The flag package keeps global state,
// which gets in the way of calling run from parallel tests.
func parseArgs(args []string) (*cliOptions, error) {
	opts := &cliOptions{}
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var err error
		switch {
		case arg == "-config" || strings.HasPrefix(arg, "-config="):
			opts.configPath, err = value(&i, "-config")
		case arg == "-log-level" || strings.HasPrefix(arg, "-log-level="):
			opts.logLevel, err = value(&i, "-log-level")
		case arg == "-log-format" || strings.HasPrefix(arg, "-log-format="):
			opts.logFormat, err = value(&i, "-log-format")
		case arg == "-h" || arg == "-help" || arg == "--help":
			opts.command = "help"
		case !strings.HasPrefix(arg, "-"):
			if opts.command != "" && opts.command != "help" {
				return nil, fmt.Errorf("unexpected argument: %s", arg)
			}
			if opts.command == "" {
				opts.command = arg
			}
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return nil, err
		}
	}
	if opts.command == "" {
		opts.command = "serve"
	}
	return opts, nil
}

// run is the real entry point. serve logs to stdout; the one-shot
// commands write their output to stdout and logs to stderr. ctx bounds
// the process lifetime.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch opts.command {
	case "help":
		return printUsage(stdout)
	case "version":
		return runVersion(stdout)
	case "serve", "settings", "health":
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logOut := stdout
	if opts.command != "serve" {
		logOut = stderr
	}
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch opts.command {
	case "settings":
		return app.printSettings(ctx, stdout)
	case "health":
		return app.printHealth(ctx, stdout)
	default:
		return app.serve(ctx)
	}
}

// loadConfig loads the config file. With no explicit path and nothing
// found in the search paths, the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// app holds the wired components.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	store     settings.Store
	settings  *settings.Manager
	content   *content.Resolver
	boot      *agent.Bootstrapper
	sessions  *session.Registry
	gateway   *gateway.Gateway
	assemble  *pipeline.Assembler
	installer *speech.ModelInstaller
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := settings.Open(ctx, settings.StoreOptions{
		Driver:    cfg.Settings.Driver,
		Path:      cfg.Settings.Path,
		RedisURL:  cfg.Settings.RedisURL,
		Namespace: cfg.Settings.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	logger.Info("settings store opened", "driver", cfg.Settings.Driver)

	bus := events.New()
	svc := pipeline.Services{
		SpeachesURL:  cfg.Services.SpeachesURL,
		KokoroURL:    cfg.Services.KokoroURL,
		KokoroModel:  cfg.Services.KokoroModel,
		GroqBaseURL:  cfg.Services.GroqBaseURL,
		WhisperModel: cfg.Services.WhisperModel,
		GroqSTTModel: cfg.Services.GroqSTTModel,
	}
	assembler := pipeline.NewAssembler(svc, logger, bus)
	mgr := settings.NewManager(store, logger)
	resolver := content.NewResolver(cfg.ContentDir, cfg.DataDir)
	sessions := session.NewRegistry(logger, bus)
	installer := speech.NewModelInstaller(speech.V1(cfg.Services.SpeachesURL), nil)

	rules, err := loadRules(cfg.DataDir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	boot := agent.New(agent.Options{
		Config:    cfg,
		Settings:  mgr,
		Content:   resolver,
		Assembler: assembler,
		Quiet:     pipeline.NewAssembler(svc, logger, nil),
		Sessions:  sessions,
		Web:       newWebSearch(cfg, logger),
		Rules:     rules,
		Installer: installer,
		Logger:    logger,
		Bus:       bus,
	})

	gw := gateway.New(gateway.Options{
		Sessions:     sessions,
		Catalog:      boot.Catalog(),
		Pipeline:     boot.Pipeline,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Logger:       logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		store:     store,
		settings:  mgr,
		content:   resolver,
		boot:      boot,
		sessions:  sessions,
		gateway:   gw,
		assemble:  assembler,
		installer: installer,
	}, nil
}

// loadRules reads tool rule overrides from data_dir/rules when that
// directory holds any. Nil selects the built-in rules.
func loadRules(dataDir string, logger *slog.Logger) (*tools.RuleBook, error) {
	matches, _ := filepath.Glob(filepath.Join(dataDir, "rules", "*.yaml"))
	if len(matches) == 0 {
		return nil, nil
	}
	rules, err := tools.LoadRuleBook(os.DirFS(dataDir), "rules")
	if err != nil {
		return nil, fmt.Errorf("load tool rules: %w", err)
	}
	logger.Info("tool rule overrides loaded", "files", len(matches))
	return rules, nil
}

// newWebSearch builds the web search integration from the configured
// providers, or returns nil when none is configured. SearXNG is
// primary when both are set.
func newWebSearch(cfg *config.Config, logger *slog.Logger) *search.Web {
	var primary string
	switch {
	case cfg.Services.SearXNGURL != "":
		primary = "searxng"
	case cfg.Services.BraveAPIKey != "":
		primary = "brave"
	default:
		return nil
	}
	mgr := search.NewManager(primary)
	if cfg.Services.SearXNGURL != "" {
		mgr.Register(search.NewSearXNG(cfg.Services.SearXNGURL, nil))
	}
	if cfg.Services.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(cfg.Services.BraveAPIKey, "", nil))
	}
	return search.NewWeb(mgr, 0, logger)
}

func (a *app) Close() {
	if err := a.boot.Close(); err != nil {
		a.logger.Debug("integration close", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("settings store close failed", "error", err)
	}
}

// serve runs the HTTP gateway, the runtime bridge and the optional
// MQTT bridge until ctx is cancelled or a signal arrives.
func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("starting CAAL", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if err := a.boot.Init(ctx); err != nil {
		return fmt.Errorf("initialize tools: %w", err)
	}

	server := gateway.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.gateway, a.logger)
	server.SetSettings(a.settings, a.boot.SettingsChanged)
	server.SetContent(a.content)
	server.SetAssembler(a.assemble)
	server.SetRuntime(bridge.NewServer(a.boot, a.sessions, a.logger))
	server.SetSetup(gateway.Setup{
		Installer:   a.installer,
		Prewarm:     a.boot.Prewarm,
		GroqBaseURL: a.cfg.Services.GroqBaseURL,
	})

	if started, reason := a.boot.Prewarm(); started {
		a.logger.Info("preloading models", "detail", reason)
	} else {
		a.logger.Info("model preload skipped", "reason", reason)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	if a.cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
		if err != nil {
			return err
		}
		mq := mqtt.New(a.cfg.MQTT, instanceID, a.gateway, a.boot, a.bus, a.logger)
		g.Go(func() error { return mq.Start(gctx) })
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mq.Stop(stopCtx); err != nil {
				a.logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// printSettings writes the resolved runtime settings and every
// adjustment made while resolving them.
func (a *app) printSettings(ctx context.Context, w io.Writer) error {
	res, err := a.settings.Resolve(ctx)
	if err != nil {
		return err
	}
	out := struct {
		Settings map[string]any     `json:"settings"`
		Warnings []settings.Warning `json:"warnings"`
	}{
		Settings: settings.Redact(res.Config.Settings()),
		Warnings: res.Warnings,
	}
	if out.Warnings == nil {
		out.Warnings = []settings.Warning{}
	}
	return writeJSON(w, out)
}

// printHealth discovers tools once and prints the health report. A
// degraded report is an error so scripts can test the exit status.
func (a *app) printHealth(ctx context.Context, w io.Writer) error {
	if err := a.boot.Init(ctx); err != nil {
		return err
	}
	report := a.gateway.Health(ctx)
	if err := writeJSON(w, report); err != nil {
		return err
	}
	if report.Status != gateway.StatusHealthy {
		return fmt.Errorf("status %s", report.Status)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "CAAL - voice assistant control plane")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: caal [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the control plane (default)")
	fmt.Fprintln(w, "  settings     Print resolved runtime settings as JSON")
	fmt.Fprintln(w, "  health       Probe providers and integrations once")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>       Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <level>   trace, debug, info, warn or error")
	fmt.Fprintln(w, "  -log-format <fmt>    text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}
