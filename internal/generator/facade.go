package generator

import (
	"context"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
	"github.com/arung-agamani/pmpserver/internal/repetition"
)

// Facade constants (§4.9).
const (
	DesiredQueueLength  = 10
	ExpansionBatch      = 5
	ExpansionCoalesce   = 100 * time.Millisecond
)

// QueueTarget is the narrow slice of Queue the facade needs in order to
// decide when and how much to expand it.
type QueueTarget interface {
	Len() int
	Enqueue(hash fhash.FileHash) (uint64, *apperror.Error)
}

// Generator is the orchestration facade (§4.9): it wires RandomTracksSource,
// RepetitionChecker, TrackGenerator, and WaveGenerator and exposes the one
// control surface the rest of the core (ultimately ServerInterface) talks
// to.
type Generator struct {
	mu sync.Mutex

	Source     *randomtracks.Source
	Repetition *repetition.Checker
	Dynamic    *TrackGenerator
	Wave       *WaveGenerator

	queue QueueTarget

	userPlayingFor      historystore.UserId
	noRepetitionSeconds int

	pendingExpansion bool
	expansionTimer   *time.Timer

	runCtx context.Context
}

// New wires a Generator facade over its already-constructed collaborators.
func New(source *randomtracks.Source, rep *repetition.Checker, dyn *TrackGenerator, wave *WaveGenerator, queue QueueTarget) *Generator {
	return &Generator{
		Source:              source,
		Repetition:          rep,
		Dynamic:             dyn,
		Wave:                wave,
		queue:               queue,
		noRepetitionSeconds: -1,
	}
}

// Enable/Disable arm or disarm the dynamic generator's refill loop.
func (g *Generator) Enable()  { g.Dynamic.SetEnabled(true) }
func (g *Generator) Disable() { g.Dynamic.SetEnabled(false) }

// SetNoRepetitionSeconds updates the shared non-repetition window, consulted
// identically by the dynamic and wave paths.
func (g *Generator) SetNoRepetitionSeconds(seconds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.noRepetitionSeconds = seconds
	g.Dynamic.SetCriteria(g.userPlayingFor, seconds)
	g.Wave.SetNoRepetitionSeconds(seconds)
}

// NoRepetitionSeconds returns the current non-repetition window.
func (g *Generator) NoRepetitionSeconds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.noRepetitionSeconds
}

// SetUserPlayingFor changes the user the dynamic generator (and any future
// wave) generates for, following the §4.9 sequencing: terminate any active
// wave, update criteria, reset upcoming notifications, then freeze the
// dynamic generator briefly so stats have time to load.
func (g *Generator) SetUserPlayingFor(user historystore.UserId, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Wave.State() != WaveInactive {
		g.Wave.TerminateWave()
	}
	g.userPlayingFor = user
	g.Dynamic.SetCriteria(user, g.noRepetitionSeconds)
	g.Source.ResetNotifications()
	g.Dynamic.FreezeTemporarily(now)
}

// UserPlayingFor returns the user currently being generated for (0 = public
// mode).
func (g *Generator) UserPlayingFor() historystore.UserId {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userPlayingFor
}

// StartWave starts a wave for the current userPlayingFor, which must be
// nonzero, and launches its 40ms generation loop for as long as it stays
// active — mirroring the original's startWave() arming its own refill timer
// rather than relying on an always-running background loop.
func (g *Generator) StartWave(totalTrackCount int) bool {
	g.mu.Lock()
	ctx := g.runCtx
	ok := g.Wave.StartWave(g.userPlayingFor, totalTrackCount)
	g.mu.Unlock()

	if !ok {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go g.Wave.Run(ctx)
	return true
}

// TerminateWave cancels any active wave.
func (g *Generator) TerminateWave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Wave.TerminateWave()
}

// WaveActive reports whether a wave is currently generating or has
// completed and is still draining delivery.
func (g *Generator) WaveActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Wave.State() != WaveInactive
}

// GetTracks serves delivery from the wave generator while a wave is active,
// otherwise from the dynamic generator.
func (g *Generator) GetTracks(n int, now time.Time) []fhash.FileHash {
	g.mu.Lock()
	active := g.Wave.State() != WaveInactive
	g.mu.Unlock()

	if active {
		return g.Wave.GetTracks(n, now)
	}
	return g.Dynamic.GetTracks(n, now)
}

// RequestQueueExpansion marks a pending expansion and, if one isn't already
// scheduled, arms the 100ms coalescing timer. Call this from the queue's
// entryRemoved handler; repeated calls within the coalescing window result
// in exactly one refill attempt.
func (g *Generator) RequestQueueExpansion(afterFunc func(d time.Duration, f func())) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pendingExpansion {
		return
	}
	g.pendingExpansion = true
	afterFunc(ExpansionCoalesce, g.runExpansion)
}

func (g *Generator) runExpansion() {
	g.mu.Lock()
	g.pendingExpansion = false
	deficit := DesiredQueueLength - g.queue.Len()
	g.mu.Unlock()

	if deficit <= 0 {
		return
	}
	n := ExpansionBatch
	if n > deficit {
		n = deficit
	}
	now := time.Now()
	hashes := g.GetTracks(n, now)
	for _, h := range hashes {
		g.queue.Enqueue(h)
	}
}

// Run drives the dynamic generator's and reservoir notifier's timer loops
// concurrently until ctx is cancelled. The wave generator's loop isn't
// started here: like the original's refill timer, it's armed by StartWave
// and runs only while a wave is active, so ctx is captured for StartWave to
// use whenever it's called.
func (g *Generator) Run(ctx context.Context) {
	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.Dynamic.Run(ctx) }()
	go func() { defer wg.Done(); g.Source.Run(ctx, 10*time.Millisecond) }()
	wg.Wait()
}
