// backfill replays the complete killfeed history of one server, or of every
// enabled server of a guild, in timestamp order.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/emeraldservers/killfeed-ingest/internal/chrono"
	"github.com/emeraldservers/killfeed-ingest/internal/config"
	"github.com/emeraldservers/killfeed-ingest/internal/connpool"
	"github.com/emeraldservers/killfeed-ingest/internal/dispatch"
	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/mongodb"
	"github.com/emeraldservers/killfeed-ingest/internal/notify"
	"github.com/emeraldservers/killfeed-ingest/internal/observability"
	"github.com/emeraldservers/killfeed-ingest/internal/offset"
	"github.com/emeraldservers/killfeed-ingest/internal/remote"
	"github.com/emeraldservers/killfeed-ingest/internal/retry"
	"github.com/emeraldservers/killfeed-ingest/internal/sessionlock"
	"github.com/emeraldservers/killfeed-ingest/internal/stats"
)

func main() {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	guildID := fs.String("guild", "", "guild id (required)")
	serverID := fs.String("server", "", "server id; empty backfills every enabled server of the guild")
	guildsPath := fs.String("guilds", "", "path to guilds.yaml (overrides GUILDS_PATH)")
	clearExisting := fs.Bool("clear", false, "delete the server's stats before replaying")
	dryRun := fs.Bool("dry-run", false, "replay into memory only; nothing is written")
	batchSize := fs.Int("batch-size", 100, "records per replay batch")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: backfill --guild <id> [--server <id>] [--clear] [--dry-run]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *guildID == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *guildsPath != "" {
		cfg.GuildsPath = *guildsPath
	}
	closeLog := observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := options{guildID: *guildID, serverID: *serverID, clearExisting: *clearExisting, dryRun: *dryRun, batchSize: *batchSize}
	results, err := run(ctx, cfg, opts)
	if err != nil {
		log.Error().Err(err).Msg("Backfill failed")
		closeLog()
		os.Exit(1)
	}

	printResults(results)
	for _, r := range results {
		if !r.Success() {
			closeLog()
			os.Exit(1)
		}
	}
}

type options struct {
	guildID, serverID string
	clearExisting     bool
	dryRun            bool
	batchSize         int
}

func run(ctx context.Context, cfg *config.Config, opts options) ([]domain.ProcessingStats, error) {
	guilds, err := config.LoadGuilds(cfg.GuildsPath)
	if err != nil {
		return nil, err
	}
	guild, ok := guilds.Guild(opts.guildID)
	if !ok {
		return nil, fmt.Errorf("unknown guild %s", opts.guildID)
	}

	var targets []domain.ServerConfig
	for _, s := range guild.Servers {
		if opts.serverID != "" && s.ServerID != opts.serverID {
			continue
		}
		if opts.serverID == "" && !s.Enabled {
			continue
		}
		targets = append(targets, s)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no matching server in guild %s", opts.guildID)
	}

	var sink stats.Sink
	var states offset.StateStore
	if opts.dryRun {
		sink = stats.NewMemorySink()
		states = offset.NewMemoryStore()
		log.Info().Msg("Dry run: stats and parser state stay in memory")
	} else {
		mongoClient, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDB, retry.DefaultConfig())
		if err != nil {
			return nil, err
		}
		defer mongoClient.Close(context.Background())

		if sink, err = stats.NewMongoSink(ctx, mongoClient.Database()); err != nil {
			return nil, err
		}
		if cfg.StateBackend == config.StateBackendBolt {
			states, err = offset.NewBoltDBStore(cfg.StatePath)
		} else {
			states, err = offset.NewMongoStore(ctx, mongoClient.Database())
		}
		if err != nil {
			return nil, err
		}
	}
	defer states.Close()

	dialCfg := remote.DefaultDialConfig()
	dialCfg.Timeout = cfg.SFTPTimeout
	dialCfg.KnownHostsFile = cfg.KnownHostsFile
	poolCfg := connpool.DefaultConfig()
	poolCfg.MaxPerKey = cfg.MaxConnsPerServer
	poolCfg.SweepInterval = 0
	pool := connpool.New(remote.NewSFTPDialer(dialCfg), poolCfg)
	defer pool.CloseAll()

	deps := chrono.Deps{
		Sessions:   pool,
		Dispatcher: dispatch.New(sink, nil, notify.Nop{}),
		States:     states,
		Locks:      sessionlock.NewManager(),
		OnProgress: func(s domain.ProcessingStats) {
			log.Info().
				Str("server_id", s.ServerID).
				Str("phase", string(s.Phase)).
				Int("files_cached", s.FilesCached).
				Int("processed_kills", s.ProcessedKills).
				Int("valid_kills", s.ValidKills).
				Msg("Progress")
		},
	}
	chronoCfg := chrono.DefaultConfig()
	chronoCfg.BatchSize = opts.batchSize
	chronoCfg.ClearExisting = opts.clearExisting

	procs := make([]*chrono.Processor, len(targets))
	for i, s := range targets {
		procs[i] = chrono.New(deps, chronoCfg, guild.GuildID, s)
	}

	// Cancel cooperatively so the batch in flight is not cut in half
	go func() {
		<-ctx.Done()
		for _, p := range procs {
			p.Cancel()
		}
	}()

	results := make([]domain.ProcessingStats, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Add(1)
		go func(i int, p *chrono.Processor) {
			defer wg.Done()
			results[i] = p.Run(context.WithoutCancel(ctx))
		}(i, p)
	}
	wg.Wait()
	return results, nil
}

func printResults(results []domain.ProcessingStats) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tPHASE\tFILES\tLINES\tSKIPPED\tKILLS\tDURATION\tERRORS")
	for _, r := range results {
		phase := string(r.Phase)
		if r.Cancelled {
			phase += " (cancelled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%d/%d\t%s\t%d\n",
			r.ServerID, phase,
			r.FilesCached, r.FilesDiscovered,
			r.TotalLines, r.SkippedLines,
			r.ProcessedKills, r.ValidKills,
			r.Duration().Round(time.Millisecond), len(r.Errors))
	}
	tw.Flush()

	for _, r := range results {
		for _, e := range r.Errors {
			fmt.Fprintf(os.Stderr, "%s: %s\n", r.ServerID, e)
		}
	}
}
