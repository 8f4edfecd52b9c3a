package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arung-agamani/pmpserver/config"
	"github.com/arung-agamani/pmpserver/internal/adminhttp"
	"github.com/arung-agamani/pmpserver/internal/auth"
	"github.com/arung-agamani/pmpserver/internal/audiooutput"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/generator"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/player"
	"github.com/arung-agamani/pmpserver/internal/preloader"
	"github.com/arung-agamani/pmpserver/internal/queue"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
	"github.com/arung-agamani/pmpserver/internal/repetition"
	"github.com/arung-agamani/pmpserver/internal/resolver"
	"github.com/arung-agamani/pmpserver/internal/scrobble"
	"github.com/arung-agamani/pmpserver/internal/serverapi"
	"github.com/arung-agamani/pmpserver/internal/tcpserver"
	"github.com/arung-agamani/pmpserver/internal/users"
	"github.com/shkh/lastfm-go/lastfm"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server",
		"caption", cfg.Server.Caption,
		"tcp_port", cfg.Server.TCPPort,
		"admin_port", cfg.Server.AdminPort,
		"database_configured", cfg.DatabaseConfigured(),
	)

	store := openHistoryStore(cfg)
	defer store.Close()

	hashes := fhash.NewRegistry()

	musicDir := "./music"
	if len(cfg.Media.ScanDirectories) > 0 {
		musicDir = cfg.Media.ScanDirectories[0]
	}
	library := resolver.New(musicDir, hashes)
	if added, err := library.ReindexAll(context.Background()); err != nil {
		slog.Error("initial library scan failed", "error", err)
	} else {
		slog.Info("library scan complete", "tracks_added", added, "tracks_total", library.Count())
	}

	q := queue.New(library)

	source := randomtracks.NewSource()
	seed := make([]fhash.FileHash, 0, hashes.Count())
	for _, e := range hashes.All() {
		seed = append(seed, e.Hash)
	}
	source.Seed(seed)

	historyCache := historystore.NewCache()

	output, err := audiooutput.New()
	if err != nil {
		slog.Error("failed to open audio output", "error", err)
		os.Exit(1)
	}
	defer output.Close()

	var scrobbler *scrobble.Scrobbler
	if cfg.HasLastfmConfig() {
		api := lastfm.New(cfg.Lastfm.APIKey, cfg.Lastfm.APISecret)
		api.SetSession(cfg.Lastfm.SessionKey)
		scrobbler = scrobble.New(api.Track, library)
		slog.Info("scrobbling enabled")
	}

	pl := player.New(output, q, hashes, store, scrobblerListener{scrobbler})
	delayedStart := player.NewDelayedStart(pl)
	pl.SetDelayedStart(delayedStart)

	rep := repetition.New(q, pl, historyCache, hashes)

	dyn := generator.NewTrackGenerator(source, hashes, library, historyCache, rep)
	wave := generator.NewWaveGenerator(source, hashes, library, historyCache, rep, noopWaveListener{})
	gen := generator.New(source, rep, dyn, wave, q)

	q.AddListener(expansionListener{gen})

	tempDir := cfg.PreloadDir
	pre := preloader.New(library, q, tempDir, nil)
	q.AddListener(pre)
	if err := pre.StartupSweep(); err != nil {
		slog.Warn("preload startup sweep failed", "error", err)
	}

	authCfg := auth.Config{ServerPassword: cfg.Security.FixedServerPassword}
	authenticator := auth.New(authCfg)

	userDirectory := users.New(store)

	api := serverapi.New(q, pl, gen, library, output, userDirectory, store, cfg.Player.DefaultVolume)
	dispatcher := serverapi.NewDispatcher(api, authenticator)

	tcpAddrPort := addrFromPort(cfg.Server.TCPPort)
	tcpSrv := tcpserver.New(tcpAddrPort, tcpAddrPort, dispatcher)
	adminSrv := adminhttp.New(addrFromPort(cfg.Server.AdminPort), api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	go gen.Run(ctx)
	go pre.MaintainWindow(ctx)
	go func() {
		if err := adminSrv.Start(ctx); err != nil {
			slog.Error("admin http server error", "error", err)
		}
	}()

	if err := tcpSrv.Start(ctx); err != nil {
		slog.Error("tcp server error", "error", err)
		os.Exit(1)
	}

	slog.Info("shutting down gracefully")
	time.Sleep(500 * time.Millisecond)
	slog.Info("server stopped")
}

// openHistoryStore opens the configured sqlite store, falling back to a
// degraded in-memory stub when Database/* fields are missing or the open
// fails (§6.4).
func openHistoryStore(cfg *config.Config) historystore.Store {
	if !cfg.DatabaseConfigured() {
		slog.Warn("no database configured, running in degraded mode")
		return historystore.NewDegradedStore()
	}
	store, err := historystore.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open history store, running in degraded mode", "error", err)
		return historystore.NewDegradedStore()
	}
	return store
}

func addrFromPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// noopWaveListener discards wave lifecycle events; nothing in this wiring
// consumes WaveStarted/WaveProgress/WaveEnded yet (they surface to clients
// once a wave-progress wire notification is added to the dispatcher).
type noopWaveListener struct{}

func (noopWaveListener) WaveStarted()                    {}
func (noopWaveListener) WaveProgress(delivered, total int) {}
func (noopWaveListener) WaveEnded(completed bool)         {}

// expansionListener adapts Generator onto queue.Listener so a removed entry
// triggers the §4.9 coalesced refill.
type expansionListener struct {
	gen *generator.Generator
}

func (l expansionListener) EntryAdded(offset int, id uint64)   {}
func (l expansionListener) EntryMoved(from, to int, id uint64) {}
func (l expansionListener) FirstTrackChanged(index int, id uint64) {}
func (l expansionListener) EntryRemoved(offset int, id uint64) {
	l.gen.RequestQueueExpansion(func(d time.Duration, f func()) {
		time.AfterFunc(d, f)
	})
}

// scrobblerListener adapts an optional *scrobble.Scrobbler onto
// player.Listener, becoming a no-op set when scrobbling isn't configured.
type scrobblerListener struct {
	s *scrobble.Scrobbler
}

func (l scrobblerListener) CurrentTrackChanged(item *queueitem.Item) {
	if l.s != nil {
		l.s.CurrentTrackChanged(item)
	}
}

func (l scrobblerListener) Finished() {
	if l.s != nil {
		l.s.Finished()
	}
}

func (l scrobblerListener) DonePlayingTrack(entry queue.RecentHistoryEntry) {
	if l.s != nil {
		l.s.DonePlayingTrack(entry)
	}
}

func (l scrobblerListener) FailedToPlayTrack(entry queue.RecentHistoryEntry) {
	if l.s != nil {
		l.s.FailedToPlayTrack(entry)
	}
}
