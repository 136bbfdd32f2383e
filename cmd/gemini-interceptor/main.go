package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/natefinch/lumberjack.v2"

	"gemini-interceptor/internal/capture"
	"gemini-interceptor/internal/client"
	"gemini-interceptor/internal/config"
	"gemini-interceptor/internal/handler"
	"gemini-interceptor/internal/metrics"
	"gemini-interceptor/internal/middleware"
	"gemini-interceptor/internal/reload"
	"gemini-interceptor/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("gemini-interceptor"),
		kong.Description("Transparent proxy for the Gemini API that captures every request/response pair."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
		kong.UsageOnError(),
	)

	switch ctx.Command() {
	case "captures":
		ctx.FatalIfErrorf(runCaptures(&cli, os.Stdout))
	default:
		ctx.FatalIfErrorf(serve(&cli))
	}
}

// restartFlag is set when the server stops because its config file changed.
type restartFlag struct{ atomic.Bool }

func serve(cli *config.CLI) error {
	restart := &restartFlag{}

	app := fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			func() *restartFlag { return restart },
			config.Load,
			newLogger,
			metrics.New,
			newSink,
			capture.NewRecorder,
			client.NewGeminiClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, resumeCaptureKeys, startServer, watchConfig),
	)
	app.Run()

	if err := app.Err(); err != nil {
		return err
	}
	if restart.Load() {
		return reexec()
	}
	return nil
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		lc.Append(fx.StopHook(lj.Close))
		out = io.MultiWriter(os.Stdout, lj)
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h), nil
}

func newSink(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (capture.Sink, error) {
	sink, err := capture.NewSink(cfg)
	if err != nil {
		return nil, err
	}
	target := cfg.Capture.Dir
	if cfg.Capture.Backend == config.BackendSQLite {
		target = cfg.Capture.SQLitePath
	}
	logger.Info("capture sink ready", "backend", cfg.Capture.Backend, "target", target)
	lc.Append(fx.StopHook(sink.Close))
	return sink, nil
}

// resumeCaptureKeys keeps keys issued after a restart from reusing ones
// already in the sink. A failed scan only costs that guarantee.
func resumeCaptureKeys(rec *capture.Recorder, logger *slog.Logger) {
	if err := rec.Resume(context.Background()); err != nil {
		logger.Warn("could not resume capture keys", "err", err)
	}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Streamed generations can run for minutes; writes are bounded by the
	// upstream side instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream", cfg.Upstream.BaseURL,
				"version", version,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

// watchConfig stops the app and flags a restart when the config file changes.
func watchConfig(lc fx.Lifecycle, sd fx.Shutdowner, cli *config.CLI, cfg *config.Config, restart *restartFlag, logger *slog.Logger) {
	if cli.NoReload || cfg.FilePath() == "" {
		logger.Debug("config reload disabled")
		return
	}

	var w *reload.Watcher
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var err error
			w, err = reload.Watch(cfg.FilePath(), logger)
			if err != nil {
				return err
			}
			go func() {
				if _, ok := <-w.Changes(); !ok {
					return
				}
				logger.Info("config file changed, restarting", "path", cfg.FilePath())
				restart.Store(true)
				if err := sd.Shutdown(); err != nil {
					logger.Error("shutdown for restart failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			return w.Close()
		},
	})
}
