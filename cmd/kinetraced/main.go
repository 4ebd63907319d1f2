// kinetraced - pointer and keystroke telemetry capture daemon
//
// kinetraced reads input events (newline-delimited JSON on stdin or from a
// file, and/or POSTed over HTTP), maintains a rolling telemetry session
// and submits session summaries to the configured sink:
//
//	kinetraced                         Capture from stdin using the default config
//	kinetraced -input events.jsonl     Replay a recorded event file
//	kinetraced -input spool/           Follow *.jsonl files in a directory
//	kinetraced -input none -addr :8787 HTTP ingest only
//
// SIGINT or SIGTERM stops capture; a final submission is made when
// submit.on_exit is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"kinetrace/internal/config"
	"kinetrace/internal/health"
	"kinetrace/internal/input"
	"kinetrace/internal/logging"
	"kinetrace/internal/metrics"
	"kinetrace/internal/server"
	"kinetrace/internal/session"
	"kinetrace/internal/sink"
	"kinetrace/internal/watcher"
)

var version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file (default: platform config dir)")
	inputFlag   = flag.String("input", "", `event source: "stdin", "none", a JSONL file or a spool directory`)
	addrFlag    = flag.String("addr", "", "serve HTTP on this address")
	logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("kinetraced %s\n", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kinetraced: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `kinetraced - pointer and keystroke telemetry capture

Usage: kinetraced [options]

Options:`)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, `
Events are JSON objects, one per line:
  {"kind":"move","x":10,"y":20,"timestamp":1000}
  {"kind":"keydown","key":"a","timestamp":1010}
  {"kind":"keyup","key":"a","timestamp":1060}`)
}

// applyFlags lets command-line flags win over the file and environment.
func applyFlags(cfg *config.Config) {
	switch *inputFlag {
	case "":
	case "-", config.InputStdin:
		cfg.Input.Source = config.InputStdin
	case config.InputNone:
		cfg.Input.Source = config.InputNone
	default:
		cfg.Input.Source = config.InputFile
		if info, err := os.Stat(*inputFlag); err == nil && info.IsDir() {
			cfg.Input.Source = config.InputDir
		}
		cfg.Input.Path = *inputFlag
	}
	if *addrFlag != "" {
		cfg.Server.Enabled = true
		cfg.Server.Addr = *addrFlag
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
}

func run() error {
	loader := config.NewLoader(*configPath)
	defer loader.Close()

	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loaded.Clone()
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg, err := cfg.Logging.LoggerConfig("kinetraced")
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	log.Info("starting kinetraced",
		"version", version,
		"config", loader.Path(),
		"input", cfg.Input.Source,
		"sink", cfg.Sink.Type,
	)

	registry := metrics.Default()
	telemetryMetrics := metrics.NewTelemetryMetrics(registry)

	audit, err := openAudit(cfg.Logging)
	if err != nil {
		return err
	}
	shutdownReason := "exit"
	defer func() {
		if err := audit.LogShutdown(context.Background(), shutdownReason); err != nil {
			log.Warn("audit shutdown", "error", err)
		}
		audit.Close()
	}()

	tracer, err := cfg.Tracing.Tracer("kinetraced", cfg.Logging)
	if err != nil {
		return err
	}
	defer tracer.Shutdown()

	out, err := sink.Open(cfg.Sink)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer out.Close()

	lc := session.New(
		session.WithCapacities(cfg.Capture.MouseCapacity, cfg.Capture.KeyCapacity),
		session.WithSink(out),
		session.WithLogger(log),
		session.WithMetrics(telemetryMetrics),
		session.WithAudit(audit),
		session.WithTracer(tracer),
	)
	if err := audit.LogStartup(context.Background(), version, map[string]any{
		"input": cfg.Input.Source,
		"sink":  cfg.Sink.Type,
	}); err != nil {
		log.Warn("audit startup", "error", err)
	}
	lc.Start()
	defer lc.Teardown()

	checker := health.NewChecker()
	registerChecks(checker, out, lc)

	pidFile := filepath.Join(config.DataDir(), "kinetraced.pid")
	if err := writePIDFile(pidFile); err != nil {
		log.Warn("could not write pid file", "path", pidFile, "error", err)
	} else {
		defer os.Remove(pidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.Config{
			Addr:        cfg.Server.Addr,
			Metrics:     registry,
			Health:      checker,
			Submissions: lister(out),
			Tracer:      tracer,
			Logger:      log,
		}, lc)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", "error", err)
			}
		}()
	}

	src, closeSrc, err := openSource(cfg.Input, log)
	if err != nil {
		return err
	}
	defer closeSrc()

	var srcDone <-chan struct{}
	var sub *session.Subscription
	if src != nil {
		sub, err = lc.Attach(ctx, src)
		if err != nil {
			return fmt.Errorf("attach input: %w", err)
		}
		defer sub.Close()
		srcDone = sub.Done()
	} else if srv == nil {
		return errors.New("no input source and no HTTP server: nothing to capture")
	}

	watchConfig(loader, lc, log, audit)
	checker.SetReady(true)

	var tick <-chan time.Time
	if cfg.Submit.IntervalSec > 0 {
		ticker := time.NewTicker(time.Duration(cfg.Submit.IntervalSec) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownReason = "signal"
			break loop

		case <-srcDone:
			srcDone = nil
			if err := sub.Err(); err != nil {
				log.Error("input source stopped", "error", err)
			} else {
				log.Info("input source exhausted")
			}
			if srv == nil {
				shutdownReason = "input exhausted"
				break loop
			}

		case <-tick:
			submit(ctx, lc, log)
		}
	}

	checker.SetReady(false)
	if cfg.Submit.OnExit {
		submitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		submit(submitCtx, lc, log)
	}
	return nil
}

// submit delivers the current session unless nothing was captured.
func submit(ctx context.Context, lc *session.Lifecycle, log *logging.Logger) {
	if lc.Status().Events == 0 {
		log.Debug("skipping submit of empty session")
		return
	}
	if _, err := lc.Submit(ctx); err != nil && !errors.Is(err, session.ErrNotCapturing) {
		log.Error("submit failed", "error", err)
	}
}

func openSource(cfg config.InputConfig, log *logging.Logger) (input.Source, func(), error) {
	var r io.Reader
	closeFn := func() {}

	switch cfg.Source {
	case config.InputNone:
		return nil, closeFn, nil
	case config.InputDir:
		src := watcher.NewSource(cfg.Path, time.Duration(cfg.SettleMs)*time.Millisecond)
		src.OnDrop = func(path string, line int, err error) {
			log.Debug("skipping malformed event", "file", path, "line", line, "error", err)
		}
		src.OnError = func(err error) {
			log.Warn("spool watch error", "dir", cfg.Path, "error", err)
		}
		return src, closeFn, nil
	case config.InputFile:
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open input: %w", err)
		}
		r = f
		closeFn = func() { f.Close() }
	default:
		r = os.Stdin
	}

	src := input.NewReaderSource(r)
	src.OnDrop = func(line int, err error) {
		log.Debug("skipping malformed event", "line", line, "error", err)
	}
	return src, closeFn, nil
}

// openAudit returns a nil logger, which discards events, when auditing is off.
func openAudit(cfg config.LoggingConfig) (*logging.AuditLogger, error) {
	auditCfg := cfg.AuditConfig("kinetraced")
	if auditCfg == nil {
		return nil, nil
	}
	audit, err := logging.NewAuditLogger(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return audit, nil
}

func lister(s sink.Sink) server.Lister {
	if l, ok := s.(server.Lister); ok {
		return l
	}
	return nil
}

func registerChecks(c *health.Checker, out sink.Sink, lc *session.Lifecycle) {
	switch s := out.(type) {
	case *sink.SQLiteStore:
		c.RegisterFunc("sink", true, health.PingCheck("database", s.Ping))
	case *sink.CSVSink:
		c.RegisterFunc("sink", true, health.FileDirCheck(s.Path()))
	}
	c.RegisterFunc("capture", false, health.FuncCheck(func() error {
		if lc.Phase() != session.Capturing {
			return session.ErrNotCapturing
		}
		return nil
	}))
}

// watchConfig applies reloadable settings. Input, sink and server changes
// need a restart.
func watchConfig(loader *config.Loader, lc *session.Lifecycle, log *logging.Logger, audit *logging.AuditLogger) {
	loader.OnChange(func(old, cfg *config.Config) {
		next := cfg.Clone()
		applyFlags(next)

		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			log.SetLevel(level)
		}
		lc.SetCapacities(next.Capture.MouseCapacity, next.Capture.KeyCapacity)

		if old != nil {
			ctx := context.Background()
			if old.Logging.Level != cfg.Logging.Level {
				audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cfg.Logging.Level)
			}
			if old.Tracing != cfg.Tracing {
				log.Warn("tracing changes take effect after restart")
			}
			if old.Capture != cfg.Capture {
				audit.LogConfigChange(ctx, "capture", old.Capture, cfg.Capture)
			}
		}

		if old != nil && (old.Input != cfg.Input || old.Sink != cfg.Sink || old.Server != cfg.Server) {
			log.Warn("input, sink and server changes take effect after restart")
		}
		log.Info("configuration reloaded")
	})

	if err := loader.Watch(); err != nil {
		log.Debug("config watch disabled", "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload failed", "error", err)
		}
	}()
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
