// Package main is the entry point for the citewatch daemon.
//
// It loads the configuration, restores the persisted record, builds the
// observer, evidence store, sender and detector, and runs the polling loop
// next to the status server until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"citewatch/internal/config"
	"citewatch/internal/core"
	"citewatch/internal/evidence"
	"citewatch/internal/external"
	"citewatch/internal/metrics"
	"citewatch/internal/monitor"
	"citewatch/internal/observer"
	"citewatch/internal/sender"
	"citewatch/internal/store"
)

const userAgent = "Mozilla/5.0 (compatible; citewatch/1.0)"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("citewatch starting",
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"target_url", cfg.Target.URL,
		"sender", cfg.Sender.Type,
		"state_driver", cfg.State.Driver,
		"evidence_backend", cfg.Evidence.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Metrics.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Metrics.Region))
		}
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	a, err := build(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.detector.Restore(ctx); err != nil {
		logger.Error("failed to restore state, starting empty", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.detector.Run(gctx)
	})
	g.Go(func() error {
		return a.server.ListenAndServe(gctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("citewatch stopped")
	return nil
}

// app is the wired component graph.
type app struct {
	detector *monitor.Detector
	server   *core.Server
	closers  []io.Closer
	logger   *slog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// build wires every component from cfg. awsCfg is only used when an AWS
// backend is selected.
func build(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	prefix, err := core.NormalizePrefix(cfg.Server.Prefix)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.State.Driver,
		Dir:    cfg.State.Dir,
		DSN:    cfg.State.DSN.Unmask(),
	}, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	a.closers = append(a.closers, st)

	var rec monitor.Metrics = metrics.Nop{}
	var delivery sender.DeliveryMetrics = metrics.Nop{}
	if cfg.Metrics.Enabled {
		cw := metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, cfg.Target.Label, logger.With("component", "metrics"))
		rec, delivery = cw, cw
	}

	ev, err := newEvidenceStore(cfg.Evidence, awsCfg)
	if err != nil {
		return nil, err
	}

	pageClient := external.NewBaseClient(
		&http.Client{Timeout: cfg.Target.Timeout},
		"target-page",
		external.DefaultRetryPolicy(),
		userAgent,
	)
	obs := observer.NewPageObserver(observer.PageObserverConfig{
		URL:       cfg.Target.URL,
		TableID:   cfg.Target.TableID,
		CellClass: cfg.Target.CellClass,
		Timeout:   cfg.Target.Timeout,
		Client:    pageClient,
		Logger:    logger.With("component", "observer"),
	})

	kind, err := sender.ParseKind(cfg.Sender.Type)
	if err != nil {
		return nil, err
	}
	authz, callback, err := newAuthorizer(kind, cfg.Kakao, logger)
	if err != nil {
		return nil, err
	}
	snd, err := sender.New(sender.Options{
		Kind: kind,
		Mail: sender.MailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		},
		Kakao: external.KakaoConfig{
			RestAPIKey:  cfg.Kakao.RestAPIKey.Unmask(),
			RedirectURL: cfg.Kakao.RedirectURL,
		},
		Authorizer:   authz,
		SafetyMargin: cfg.Kakao.SafetyMargin,
		Logger:       logger.With("component", "sender", "backend", string(kind)),
		Metrics:      delivery,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sender: %w", err)
	}
	if c, ok := snd.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.detector, err = monitor.New(monitor.Config{
		Observer:            obs,
		Evidence:            ev,
		Store:               st,
		Sender:              snd,
		Interval:            cfg.Target.Interval,
		Target:              cfg.Target.Value,
		Label:               cfg.Target.Label,
		Recipients:          cfg.Sender.Recipients,
		MilestoneRecipients: cfg.Sender.MilestoneRecipients,
		Links: monitor.Links{
			Domain: cfg.Server.PublicDomain,
			Port:   cfg.Server.PublicPort,
			Prefix: prefix,
		},
		Metrics: rec,
		Logger:  logger.With("component", "detector"),
	})
	if err != nil {
		return nil, err
	}

	var probes []core.HealthProbe
	if p, ok := st.(core.Pinger); ok {
		probes = append(probes, core.PingProbe{Label: "state_" + cfg.State.Driver, Target: p})
	}
	srvCfg := core.ServerConfig{
		Detector:         a.detector,
		Evidence:         ev,
		Prefix:           prefix,
		UpdatesPerMinute: cfg.Server.UpdatesPerMinute,
		HealthProbes:     probes,
		Logger:           logger.With("component", "server"),
	}
	if callback != nil {
		srvCfg.Callback = callback
	}
	a.server, err = core.NewServer(srvCfg)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	return a, nil
}

func newEvidenceStore(cfg config.EvidenceConfig, awsCfg aws.Config) (evidence.Store, error) {
	switch cfg.Backend {
	case "s3":
		return evidence.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
	case "", "dir":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating evidence directory: %w", err)
		}
		return evidence.NewDirStore(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.Backend)
	}
}

// newAuthorizer returns the authorizer for the kakao backend and, for the
// callback flavour, the receiver the status server forwards redirects to.
func newAuthorizer(kind sender.Kind, cfg config.KakaoConfig, logger *slog.Logger) (sender.Authorizer, *sender.CallbackAuthorizer, error) {
	if kind != sender.KindKakao {
		return nil, nil, nil
	}
	logger = logger.With("component", "authorizer", "flavour", cfg.Authorizer)
	switch cfg.Authorizer {
	case "static":
		return sender.NewStaticAuthorizer(cfg.AuthCode.Unmask()), nil, nil
	case "callback":
		cb := sender.NewCallbackAuthorizer(cfg.AuthTimeout, logger)
		return cb, cb, nil
	case "", "form":
		fa, err := sender.NewFormAuthorizer(sender.FormAuthorizerConfig{
			LoginID:     cfg.LoginID,
			Password:    cfg.LoginPassword,
			RedirectURL: cfg.RedirectURL,
			Timeout:     cfg.AuthTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return fa, nil, nil
	default:
		return nil, nil, errors.New("unknown authorizer " + cfg.Authorizer)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
