package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/config"
	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/health"
	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/internal/orchestrator"
	"github.com/interspecies/probed/internal/reference"
	"github.com/interspecies/probed/internal/scorer"
	"github.com/interspecies/probed/internal/server"
	"github.com/interspecies/probed/internal/store"
)

const (
	envDatabaseURL = "PROBED_DATABASE_URL"
	eventHistory   = 1024
)

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator and its instance proxies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to probed configuration file (default $PROBED_CONFIG or "+config.DefaultConfigPath+")")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(ctx, configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if url := os.Getenv(envDatabaseURL); url != "" {
		cfg.Store.DatabaseURL = url
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := assemble(runCtx, cfg, logger, openZMQ(logger))
	if err != nil {
		return err
	}
	defer d.close()

	logger.WithField("instances", len(d.proxies)).Info("probed starting")
	if err := d.run(runCtx); err != nil {
		return err
	}
	logger.Info("probed stopped")
	return nil
}

// channelOpener opens the transport behind one message channel.
type channelOpener func(ctx context.Context, cfg channel.ZMQConfig) (channel.Channel, error)

func openZMQ(logger logrus.FieldLogger) channelOpener {
	return func(ctx context.Context, cfg channel.ZMQConfig) (channel.Channel, error) {
		return channel.OpenZMQ(ctx, cfg, logger)
	}
}

type daemon struct {
	logger   logrus.FieldLogger
	orch     *orchestrator.Orchestrator
	proxies  []*instance.Proxy
	server   *server.Server
	store    store.Store
	channels []channel.Channel
}

func assemble(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, open channelOpener) (_ *daemon, err error) {
	d := &daemon{logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	metricsStore := metrics.NewStore()
	history := events.NewMemory(eventHistory)

	samples, err := reference.Load(ctx, reference.Source{
		File:          cfg.Reference.File,
		Signature:     cfg.Reference.Signature,
		PublicKeyFile: cfg.Reference.PublicKey,
		Reference:     cfg.Reference.Reference,
		Modulated:     cfg.Reference.Modulated,
	})
	if err != nil {
		return nil, fmt.Errorf("load reference samples: %w", err)
	}
	scorerOpts := []scorer.Option{scorer.WithComponents(cfg.Scorer.Components)}
	if len(cfg.Scorer.Domain) == 2 {
		scorerOpts = append(scorerOpts, scorer.WithDomain(cfg.Scorer.Domain[0], cfg.Scorer.Domain[1]))
	}
	sc, err := scorer.New(samples.Reference, samples.Modulated, scorerOpts...)
	if err != nil {
		return nil, fmt.Errorf("fit scorer: %w", err)
	}

	if cfg.Store.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open outcome store: %w", err)
		}
		d.store = pg
	} else {
		d.store = store.NewMemoryStore(0)
	}

	registry := make(map[string]*instance.Proxy, len(cfg.Instances))
	sources := make([]health.TelemetrySource, 0, len(cfg.Instances))
	for _, ic := range cfg.Instances {
		publish := ic.Publishes()
		zc := channel.ZMQConfig{SubscribeAddr: ic.SubscribeAddr, RetryDelay: cfg.Orchestrator.RetryDelay}
		if publish {
			zc.PublishAddr = ic.PublishAddr
			zc.PublishConnect = ic.PublishConnect
		}
		ch, err := open(ctx, zc)
		if err != nil {
			return nil, fmt.Errorf("open channel for instance %q: %w", ic.Name, err)
		}
		d.channels = append(d.channels, ch)

		def, err := instance.ParseBehaviour(ic.DefaultBehaviour)
		if err != nil {
			return nil, fmt.Errorf("instance %q: %w", ic.Name, err)
		}
		proxy, err := instance.New(instance.Config{
			Name:             ic.Name,
			Origin:           cfg.Orchestrator.Name,
			TelemetryKind:    ic.TelemetryKind,
			DefaultBehaviour: def,
			PublishPeriod:    ic.PublishPeriod,
			Publish:          publish,
		}, ch, instance.Dependencies{
			Logger:  logger,
			Events:  history,
			Metrics: metricsStore.TelemetryRecorder(),
		})
		if err != nil {
			return nil, fmt.Errorf("instance %q: %w", ic.Name, err)
		}
		registry[proxy.Name()] = proxy
		d.proxies = append(d.proxies, proxy)
		sources = append(sources, proxy)
	}

	oc := cfg.Orchestrator
	orchCh, err := open(ctx, channel.ZMQConfig{
		SubscribeAddr:  oc.SubscribeAddr,
		PublishAddr:    oc.PublishAddr,
		PublishConnect: oc.PublishConnect,
		RetryDelay:     oc.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("open orchestrator channel: %w", err)
	}
	d.channels = append(d.channels, orchCh)

	d.orch, err = orchestrator.New(orchestrator.Config{
		Name:            oc.Name,
		Requester:       oc.Requester,
		TrialDuration:   oc.TrialDuration,
		StatisticKey:    oc.StatisticKey,
		Workers:         oc.Workers,
		QueueSize:       oc.QueueSize,
		OutboxSize:      oc.OutboxSize,
		RateLimit:       oc.RateLimit,
		Burst:           oc.Burst,
		HonorConfidence: oc.HonorConfidence,
		RetrySleep:      oc.RetryDelay,
	}, registry, orchCh, sc, orchestrator.Dependencies{
		Logger:       logger,
		Events:       history,
		Metrics:      metricsStore.ProbeRecorder(),
		QueueMetrics: metricsStore.QueueRecorder(),
		Store:        d.store,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	if cfg.Monitoring.Addr != "" {
		checker := health.NewChecker(metricsStore, oc.OutboxSize, cfg.Monitoring.StaleAfter, sources...)
		d.server = server.New(server.Config{
			Addr:             cfg.Monitoring.Addr,
			AdminBearerToken: cfg.Monitoring.AdminToken,
		}, server.Dependencies{
			Logger:       logger,
			Orchestrator: d.orch,
			Metrics:      metricsStore,
			Checker:      checker,
			Events:       history,
		})
	}
	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	grp, groupCtx := errgroup.WithContext(ctx)

	for _, p := range d.proxies {
		wait := p.Run(groupCtx)
		grp.Go(func() error {
			<-groupCtx.Done()
			wait()
			return nil
		})
	}

	grp.Go(func() error {
		if err := d.orch.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("orchestrator: %w", err)
		}
		return nil
	})

	if d.server != nil {
		grp.Go(func() error {
			return d.server.Run(groupCtx)
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *daemon) close() {
	for _, ch := range d.channels {
		if err := ch.Close(); err != nil {
			d.logger.WithError(err).Warn("close channel failed")
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}
