package generator

import (
	"context"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
	"github.com/arung-agamani/pmpserver/internal/repetition"
)

// Dynamic generation constants (§4.4).
const (
	DynamicTakeCount          = 12
	DynamicKeepCount          = 6
	DynamicRefillInterval     = 40 * time.Millisecond
	DynamicFreezeDuration     = 250 * time.Millisecond
	DynamicMaxAttemptsPerTick = 3
	DynamicMinTrackLengthMs   = 15_000
	DynamicMinScorePermille   = 300
)

// DesiredUpcomingCount is the default target size of the dynamic
// generator's internal upcoming list.
const DesiredUpcomingCount = 10

// TrackGenerator is the continuously-refilling dynamic generator (§4.4).
type TrackGenerator struct {
	pipeline   *CandidatePipeline
	repetition *repetition.Checker

	user                historystore.UserId
	noRepetitionSeconds int
	desiredUpcomingCount int

	enabled     bool
	frozenUntil time.Time
}

// NewTrackGenerator wires a fresh, disabled TrackGenerator.
func NewTrackGenerator(source *randomtracks.Source, hashes *fhash.Registry, info TrackInfo, history *historystore.Cache, rep *repetition.Checker) *TrackGenerator {
	g := &TrackGenerator{
		repetition:           rep,
		desiredUpcomingCount: DesiredUpcomingCount,
	}
	g.pipeline = &CandidatePipeline{
		Source:    source,
		Hashes:    hashes,
		Info:      info,
		History:   history,
		TakeCount: DynamicTakeCount,
		KeepCount: DynamicKeepCount,
	}
	g.rebuildFilter()
	return g
}

func (g *TrackGenerator) rebuildFilter() {
	g.pipeline.BasicFilter = defaultBasicFilter(DynamicMinTrackLengthMs, DynamicMinScorePermille, g.user)
	g.pipeline.Less = defaultLess
}

// SetEnabled arms or disables the refill loop (dyn-enable / dyn-disable).
func (g *TrackGenerator) SetEnabled(enabled bool) { g.enabled = enabled }

// Enabled reports whether the refill loop is armed.
func (g *TrackGenerator) Enabled() bool { return g.enabled }

// SetCriteria updates the target user and no-repetition window, then
// re-applies the basic filter to the existing upcoming list in place
// (§4.4's criteriaChanged).
func (g *TrackGenerator) SetCriteria(user historystore.UserId, noRepetitionSeconds int) {
	g.user = user
	g.noRepetitionSeconds = noRepetitionSeconds
	g.rebuildFilter()
	g.pipeline.CriteriaChanged()
}

// FreezeTemporarily disables refill for DynamicFreezeDuration, giving stats
// time to load after the target user changes.
func (g *TrackGenerator) FreezeTemporarily(now time.Time) {
	g.frozenUntil = now.Add(DynamicFreezeDuration)
}

// Tick runs one refill attempt-set: up to DynamicMaxAttemptsPerTick calls to
// the pipeline, stopping once the upcoming list reaches
// desiredUpcomingCount or the reservoir stops yielding.
func (g *TrackGenerator) Tick(now time.Time) {
	if !g.enabled || now.Before(g.frozenUntil) {
		return
	}
	for attempt := 0; attempt < DynamicMaxAttemptsPerTick && len(g.pipeline.Upcoming) < g.desiredUpcomingCount; attempt++ {
		if g.pipeline.Refill(g.user) == 0 {
			break
		}
	}
}

// Run drives Tick on the 40ms refill interval until ctx is cancelled.
func (g *TrackGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(DynamicRefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Tick(now)
		}
	}
}

func (g *TrackGenerator) extendedFilterPass(c *Candidate) bool {
	if !g.pipeline.BasicFilter(c) {
		return false
	}
	if c.StatsLoaded && c.Stats.Score != nil && *c.Stats.Score < c.RandomPermillage-100 {
		return false
	}
	return true
}

// GetTracks delivers up to n hashes (§4.4's delivery algorithm): pop the
// upcoming head, apply the extended filter and the repetition check;
// survivors yield their hash, everyone (survivor or not) is returned to the
// source as used since they are no longer available for a future draw.
func (g *TrackGenerator) GetTracks(n int, now time.Time) []fhash.FileHash {
	out := make([]fhash.FileHash, 0, n)
	for len(out) < n {
		c := g.pipeline.PopFront()
		if c == nil {
			break
		}
		if !g.extendedFilterPass(c) || g.repetition.IsRepetitionWhenQueued(c.Hash, g.noRepetitionSeconds, g.user, 0, now) {
			c.ReturnUsed()
			continue
		}
		out = append(out, c.Hash)
		c.ReturnUsed()
	}
	return out
}

// UpcomingLen reports the current size of the internal upcoming list, so
// callers can decide whether to schedule another refill.
func (g *TrackGenerator) UpcomingLen() int { return len(g.pipeline.Upcoming) }

// Reset drains the upcoming list, returning every hash to the source as
// unused (used when the generator is disabled or torn down).
func (g *TrackGenerator) Reset() {
	g.pipeline.Drain(false)
}
