package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/emeraldservers/killfeed-ingest/internal/admin"
	"github.com/emeraldservers/killfeed-ingest/internal/chrono"
	"github.com/emeraldservers/killfeed-ingest/internal/clickhouse"
	"github.com/emeraldservers/killfeed-ingest/internal/config"
	"github.com/emeraldservers/killfeed-ingest/internal/connpool"
	"github.com/emeraldservers/killfeed-ingest/internal/dispatch"
	"github.com/emeraldservers/killfeed-ingest/internal/incremental"
	"github.com/emeraldservers/killfeed-ingest/internal/mongodb"
	"github.com/emeraldservers/killfeed-ingest/internal/notify"
	"github.com/emeraldservers/killfeed-ingest/internal/observability"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
	"github.com/emeraldservers/killfeed-ingest/internal/service"
	"github.com/emeraldservers/killfeed-ingest/internal/sessionlock"
	"github.com/emeraldservers/killfeed-ingest/internal/stats"
	"github.com/emeraldservers/killfeed-ingest/internal/writer"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("killfeed", flag.ExitOnError)
	guildsPath := fs.String("guilds", "", "path to guilds.yaml (overrides GUILDS_PATH)")
	once := fs.Bool("once", false, "run a single polling round and exit")
	logLevel := fs.String("log-level", "", "log level (overrides LOG_LEVEL)")
	fs.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *guildsPath != "" {
		cfg.GuildsPath = *guildsPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	closeLog := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	log.Info().
		Str("version", version).
		Msg("Starting killfeed ingestion")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *once); err != nil {
		log.Error().Err(err).Msg("Killfeed service failed")
		closeLog()
		os.Exit(1)
	}
	log.Info().Msg("Killfeed service stopped")
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "killfeed-ingest",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Protocol:       os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
		Insecure:       true,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	} else {
		defer shutdownTracer(context.Background())
	}

	guilds, err := config.LoadGuilds(cfg.GuildsPath)
	if err != nil {
		return err
	}

	storeRetry := retry.DefaultConfig()
	mongoClient, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDB, storeRetry)
	if err != nil {
		return err
	}
	defer mongoClient.Close(context.Background())

	sink, err := stats.NewMongoSink(ctx, mongoClient.Database())
	if err != nil {
		return err
	}

	var chClient *clickhouse.Client
	var archive *writer.ClickHouseWriter
	if cfg.ClickHouseEnabled || cfg.OffsetMirror {
		chClient, err = clickhouse.NewClientWithRetry(ctx, clickhouse.Options{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		}, storeRetry)
		if err != nil {
			return err
		}
		defer chClient.Close()
		if err := chClient.EnsureSchema(ctx); err != nil {
			return err
		}
		archive = writer.NewClickHouseWriter(chClient.Conn(), chClient.Database(), writer.BatchConfig{
			MaxSize:             500,
			FlushTimeout:        5000,
			EnableDeduplication: true,
		})
		defer archive.Close()
	}

	states, err := openStateStore(ctx, cfg, mongoClient)
	if err != nil {
		return err
	}
	defer states.Close()
	if cfg.OffsetMirror && archive != nil {
		states = offset.NewMirrorStore(states, archive)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.DiscordToken != "" {
		dg, err := notify.NewDiscordSession(cfg.DiscordToken)
		if err != nil {
			return err
		}
		dn := notify.NewDiscordNotifier(dg, guilds.KillfeedChannel, 1000).
			WithEventChannels(guilds.EventsChannel)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := dn.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("Discord notifier did not drain")
			}
		}()
		notifier = dn
	} else {
		log.Warn().Msg("DISCORD_TOKEN not set, killfeed embeds are disabled")
	}

	// A nil *ClickHouseWriter must not end up in the interface
	var archiver dispatch.Archiver
	if cfg.ClickHouseEnabled && archive != nil {
		archiver = archive
	}
	dispatcher := dispatch.New(sink, archiver, notifier)

	dialCfg := remote.DefaultDialConfig()
	dialCfg.Timeout = cfg.SFTPTimeout
	dialCfg.KnownHostsFile = cfg.KnownHostsFile
	poolCfg := connpool.DefaultConfig()
	poolCfg.MaxPerKey = cfg.MaxConnsPerServer
	poolCfg.DialTimeout = cfg.SFTPTimeout
	pool := connpool.New(remote.NewSFTPDialer(dialCfg), poolCfg)
	pool.Start(ctx)
	defer pool.CloseAll()

	locks := sessionlock.NewManager()

	backfills := service.NewBackfills(ctx, chrono.Deps{
		Sessions:   pool,
		Dispatcher: dispatcher.Silent(),
		States:     states,
		Locks:      locks,
	}, chrono.DefaultConfig())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := backfills.Shutdown(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Backfills did not stop in time")
		}
	}()

	poller := incremental.New(incremental.Deps{
		Sessions:   pool,
		Dispatcher: dispatcher,
		States:     states,
		Locks:      locks,
	})

	scheduler, err := service.NewScheduler(service.SchedulerConfig{
		PollInterval:        cfg.PollInterval,
		MaxParallelServers:  cfg.MaxParallelServers,
		BackfillOnNewServer: cfg.BackfillOnNewServer,
	}, guilds, poller, states, backfills)
	if err != nil {
		return err
	}

	if once {
		scheduler.RunOnce(ctx)
		return nil
	}

	adminSrv, err := admin.NewServer(cfg.AdminPort, guilds, backfills, pool, scheduler)
	if err != nil {
		return err
	}
	defer adminSrv.Stop()

	log.Info().
		Int("guilds", len(guilds.All())).
		Int("admin_port", cfg.AdminPort).
		Msg("Killfeed service started successfully")

	return serve(ctx, adminSrv.Start, scheduler.Start)
}

// serve runs the admin server and the scheduler until ctx is done or the
// admin server fails. It returns only after the scheduler has stopped, so
// the round in flight finishes before the stores close.
func serve(ctx context.Context, startAdmin func(context.Context) error, runScheduler func(context.Context)) error {
	errChan := make(chan error, 1)
	go func() {
		if err := startAdmin(ctx); err != nil {
			errChan <- err
		}
	}()

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		runScheduler(schedCtx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
		<-schedDone
		return nil
	case err := <-errChan:
		log.Warn().Msg("Admin server stopped, waiting for the scheduler")
		stopScheduler()
		<-schedDone
		return err
	}
}

func openStateStore(ctx context.Context, cfg *config.Config, mongoClient *mongodb.Client) (offset.StateStore, error) {
	switch cfg.StateBackend {
	case config.StateBackendBolt:
		return offset.NewBoltDBStore(cfg.StatePath)
	default:
		return offset.NewMongoStore(ctx, mongoClient.Database())
	}
}
