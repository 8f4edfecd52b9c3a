package generator

import (
	"context"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
	"github.com/arung-agamani/pmpserver/internal/repetition"
)

// Wave generation constants (§4.5).
const (
	WaveTakeCount        = 22
	WaveKeepCount         = 10
	WaveGenerationGoal    = WaveKeepCount * 2
	WaveRefillInterval    = 40 * time.Millisecond
	WaveMinTrackLengthMs  = 30_000
	WaveMinScorePermille  = 600
)

// WaveState is the WaveGenerator's lifecycle (§4.5).
type WaveState int

const (
	WaveInactive WaveState = iota
	WaveGenerating
	WaveComplete
)

// WaveTotalUnknown is the placeholder total reported in waveProgress before
// the wave reaches WaveComplete: the total track count isn't known until
// generation finishes, so it stays unknown until then (§9).
const WaveTotalUnknown = -1

// WaveListener receives wave lifecycle events. Ordering per §5:
// WaveStarted < every WaveProgress for that wave < WaveEnded.
type WaveListener interface {
	WaveStarted()
	WaveProgress(delivered, total int)
	WaveEnded(completed bool)
}

// WaveGenerator is the one-shot, bounded, score-aggressive generator
// (§4.5), sharing CandidatePipeline with TrackGenerator per §9's composition
// note.
type WaveGenerator struct {
	pipeline   *CandidatePipeline
	repetition *repetition.Checker
	listener   WaveListener

	state WaveState
	user  historystore.UserId
	noRepetitionSeconds int

	buffer    []*Candidate
	delivered int
	failCount int
	totalTrackCount int
}

// NewWaveGenerator wires a fresh, inactive WaveGenerator.
func NewWaveGenerator(source *randomtracks.Source, hashes *fhash.Registry, info TrackInfo, history *historystore.Cache, rep *repetition.Checker, listener WaveListener) *WaveGenerator {
	w := &WaveGenerator{
		repetition: rep,
		listener:   listener,
		state:      WaveInactive,
	}
	w.pipeline = &CandidatePipeline{
		Source:    source,
		Hashes:    hashes,
		Info:      info,
		History:   history,
		TakeCount: WaveTakeCount,
		KeepCount: WaveKeepCount,
	}
	return w
}

// State reports the current wave lifecycle state.
func (w *WaveGenerator) State() WaveState { return w.state }

// SetNoRepetitionSeconds updates the shared non-repetition window the wave
// consults in GetTracks, kept in sync with the dynamic generator's setting
// by Generator.SetNoRepetitionSeconds.
func (w *WaveGenerator) SetNoRepetitionSeconds(seconds int) {
	w.noRepetitionSeconds = seconds
}

func (w *WaveGenerator) basicFilter(totalTrackCount int) BasicFilterFunc {
	base := defaultBasicFilter(WaveMinTrackLengthMs, WaveMinScorePermille, w.user)
	return func(c *Candidate) bool {
		if w.user == 0 {
			return false // a wave always needs a specific user (§4.5)
		}
		// Unlike the dynamic generator, a wave requires a *present* score,
		// not merely loaded stats, since it selects aggressively for score.
		if !c.StatsLoaded || c.Stats.Score == nil {
			return false
		}
		return base(c)
	}
}

// StartWave begins generation for user (only valid for user > 0, i.e.
// personal mode). Empties any leftover buffers, enters Generating, and
// emits WaveStarted.
func (w *WaveGenerator) StartWave(user historystore.UserId, totalTrackCount int) bool {
	if user == 0 || w.state != WaveInactive {
		return false
	}
	w.user = user
	w.totalTrackCount = totalTrackCount
	w.pipeline.BasicFilter = w.basicFilter(totalTrackCount)
	w.pipeline.Less = defaultLess
	w.buffer = nil
	w.pipeline.Upcoming = nil
	w.delivered = 0
	w.failCount = 0
	w.state = WaveGenerating
	w.listener.WaveStarted()
	return true
}

// TerminateWave cancels generation at any point: clears buffers, returns
// their hashes to the source as used, and emits WaveEnded(false). Idempotent
// per §5.
func (w *WaveGenerator) TerminateWave() {
	if w.state == WaveInactive {
		return
	}
	for _, c := range w.buffer {
		c.ReturnUsed()
	}
	w.buffer = nil
	w.pipeline.Drain(true)
	w.state = WaveInactive
	w.listener.WaveEnded(false)
}

// Tick runs one generation step, intended to be driven by a 40ms timer while
// state == WaveGenerating.
func (w *WaveGenerator) Tick() {
	if w.state != WaveGenerating {
		return
	}

	for len(w.buffer) < WaveTakeCount {
		hash, ok := w.pipeline.Source.TakeTrack()
		if !ok {
			break
		}
		hashId := w.pipeline.Hashes.Register(hash)
		audio, _ := w.pipeline.Info.AudioDataFor(hash)
		playable := w.pipeline.Info.HasPlayablePath(hash)
		c := newCandidate(w.pipeline.Source, hashId, hash, audio, playable, 0)
		if stats, ok := w.pipeline.History.Get(hashId, w.user); ok {
			c.Stats = stats
			c.StatsLoaded = true
		}
		if w.pipeline.BasicFilter(c) {
			w.buffer = append(w.buffer, c)
		} else {
			c.ReturnUnused()
			w.failCount++
		}
	}

	if w.failCount > w.totalTrackCount-WaveTakeCount && w.totalTrackCount > 0 {
		w.TerminateWave()
		return
	}

	if len(w.buffer) >= WaveTakeCount {
		sortCandidates(w.buffer, w.pipeline.Less)
		keepN := WaveKeepCount
		if keepN > len(w.buffer) {
			keepN = len(w.buffer)
		}
		for _, c := range w.buffer[keepN:] {
			c.ReturnUnused()
		}
		w.pipeline.Upcoming = append(w.pipeline.Upcoming, w.buffer[:keepN]...)
		w.buffer = nil

		total := WaveTotalUnknown
		w.listener.WaveProgress(w.delivered, total)
	}

	if len(w.pipeline.Upcoming)+w.delivered >= WaveGenerationGoal {
		w.state = WaveComplete
		w.listener.WaveProgress(w.delivered, w.delivered+len(w.pipeline.Upcoming))
	}
}

// Run drives Tick on the 40ms wave interval until ctx is cancelled or the
// wave leaves WaveGenerating/WaveComplete.
func (w *WaveGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(WaveRefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.state == WaveInactive {
				return
			}
			w.Tick()
		}
	}
}

// GetTracks delivers up to n hashes, identical to TrackGenerator's delivery
// except that exhausting Upcoming after WaveComplete ends the wave cleanly
// (state -> inactive, WaveEnded(true)).
func (w *WaveGenerator) GetTracks(n int, now time.Time) []fhash.FileHash {
	if w.state == WaveInactive {
		return nil
	}

	out := make([]fhash.FileHash, 0, n)
	for len(out) < n {
		c := w.pipeline.PopFront()
		if c == nil {
			break
		}
		passesExtended := w.pipeline.BasicFilter(c) &&
			!(c.StatsLoaded && c.Stats.Score != nil && *c.Stats.Score < c.RandomPermillage-100)
		if !passesExtended || w.repetition.IsRepetitionWhenQueued(c.Hash, w.noRepetitionSeconds, w.user, 0, now) {
			c.ReturnUsed()
			continue
		}
		out = append(out, c.Hash)
		w.delivered++
		c.ReturnUsed()
		w.listener.WaveProgress(w.delivered, w.delivered+len(w.pipeline.Upcoming))
	}

	if w.state == WaveComplete && len(w.pipeline.Upcoming) == 0 {
		w.state = WaveInactive
		w.listener.WaveEnded(true)
	}
	return out
}

func sortCandidates(cs []*Candidate, less LessFunc) {
	// small N (WaveTakeCount=22 / DynamicTakeCount=12): insertion sort is
	// simple and plenty fast, and keeps this file free of a sort.Interface
	// boilerplate type.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && less(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
