// Package repetition implements RepetitionChecker (§4.2): the decision of
// whether adding a hash to the queue would play it again too soon, combining
// the live queue contents, the now-playing track, and lazily-cached history.
package repetition

import (
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
)

// QueueScanner is the narrow slice of Queue the checker needs: scanning
// backward from the tail, accumulating item durations, looking for hash.
type QueueScanner interface {
	// ScanBackward walks the queue from tail to head accumulating item
	// durations. It reports found=true if hash is encountered before
	// accumulating windowMs (+extraMarginMs) of duration, and the
	// milliseconds actually counted either way.
	ScanBackward(hash fhash.FileHash, windowMs int64, extraMarginMs int64) (found bool, msCounted int64)
}

// NowPlayingProvider reports the hash of the track currently playing, if
// any.
type NowPlayingProvider interface {
	NowPlayingHash() (fhash.FileHash, bool)
}

// Checker decides isRepetitionWhenQueued. It holds no mutable state of its
// own; every call reads straight through to its collaborators.
type Checker struct {
	Queue      QueueScanner
	NowPlaying NowPlayingProvider
	History    *historystore.Cache
	Hashes     *fhash.Registry
}

// New builds a Checker over the given collaborators.
func New(queue QueueScanner, nowPlaying NowPlayingProvider, history *historystore.Cache, hashes *fhash.Registry) *Checker {
	return &Checker{Queue: queue, NowPlaying: nowPlaying, History: history, Hashes: hashes}
}

// IsRepetitionWhenQueued implements the §4.2 algorithm. now is passed in
// explicitly so callers (and tests) control the clock.
//
// A stats or global-last-played lookup that hasn't loaded yet is treated
// conservatively as "would repeat" — the same refuse-on-uncertainty policy
// §4.2 specifies explicitly for user stats; we extend it to the
// global-last-played lookup too, since both are populated by the same
// best-effort worker cache and neither should let an unloaded row silently
// read as "never played".
func (c *Checker) IsRepetitionWhenQueued(hash fhash.FileHash, noRepetitionSeconds int, user historystore.UserId, extraMarginMs int64, now time.Time) bool {
	windowMs := int64(noRepetitionSeconds) * 1000
	if windowMs < 0 {
		return false
	}

	found, msCounted := c.Queue.ScanBackward(hash, windowMs, extraMarginMs)
	if found {
		return true
	}
	if msCounted >= windowMs {
		return false
	}

	if playing, ok := c.NowPlaying.NowPlayingHash(); ok && playing == hash {
		return true
	}

	maxLastPlay := now.Add(time.Duration(msCounted-windowMs) * time.Millisecond)

	hashId, known := c.Hashes.IdOf(hash)
	if !known {
		// Never registered: cannot have a history row, so no global or
		// per-user repetition is possible via history.
		return false
	}

	if lastPlayed, ok := c.History.GetLastPlayedGlobally(hashId); !ok {
		return true // pending
	} else if lastPlayed.After(maxLastPlay) {
		return true
	}

	stats, ok := c.History.Get(hashId, user)
	if !ok {
		return true // "refuse if stats not yet loaded"
	}
	if stats.LastHeardAt != nil && stats.LastHeardAt.After(maxLastPlay) {
		return true
	}
	return false
}
