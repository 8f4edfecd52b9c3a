// Package generator implements the track-picking machinery: Candidate, the
// CandidatePipeline shared by TrackGenerator and WaveGenerator, and the
// Generator orchestration facade (§4.4, §4.5, §4.9).
//
// Where the source models Dynamic/Wave generation through a common
// TrackGeneratorBase base class, this package follows §9's design note and
// uses composition instead: CandidatePipeline is parameterised by a
// basic-filter closure and a selection-comparison closure, and
// TrackGenerator/WaveGenerator differ only in those closures plus their own
// termination policy.
package generator

import (
	"runtime"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
)

// DebugTally, when true, arms a runtime finalizer on every Candidate that
// panics if the candidate is garbage-collected without having been returned
// used or unused exactly once — the "debug-only tally check" §5 and §9
// describe for catching a violated borrow discipline. Tests leave it on;
// a long-running release build may turn it off to avoid finalizer overhead.
var DebugTally = true

// Candidate is a borrowed token owning one hash drawn from a
// randomtracks.Source. Exactly one of ReturnUsed/ReturnUnused must be called
// before the Candidate is discarded.
type Candidate struct {
	source *randomtracks.Source

	HashId           fhash.Id
	Hash             fhash.FileHash
	AudioData        *audiodata.AudioData
	RandomPermillage int

	// Playable reports whether the resolver has at least one known path for
	// Hash at the time the Candidate was drawn (§4.4's basic filter).
	Playable bool

	// Stats is populated by a basic-filter pass that consults the history
	// cache; StatsLoaded distinguishes "no stats" (StatsLoaded=false) from
	// "loaded, no score yet" (StatsLoaded=true, Stats.Score nil).
	Stats       historystore.UserStats
	StatsLoaded bool

	returned bool
}

// newCandidate draws hash from source and wraps it as a Candidate token.
// Callers must already hold the hash (i.e. source.TakeTrack() has succeeded)
// before calling this.
func newCandidate(source *randomtracks.Source, hashId fhash.Id, hash fhash.FileHash, audio *audiodata.AudioData, playable bool, randomPermillage int) *Candidate {
	c := &Candidate{
		source:           source,
		HashId:           hashId,
		Hash:             hash,
		AudioData:        audio,
		Playable:         playable,
		RandomPermillage: randomPermillage,
	}
	if DebugTally {
		runtime.SetFinalizer(c, func(c *Candidate) {
			if !c.returned {
				panic("generator: candidate dropped without ReturnUsed/ReturnUnused")
			}
		})
	}
	return c
}

// ReturnUsed records the hash as played/consumed: it will not reappear until
// the reservoir exhausts and recycles.
func (c *Candidate) ReturnUsed() {
	if c.returned {
		panic("generator: candidate returned more than once")
	}
	c.returned = true
	c.source.PutBackUsed(c.Hash)
	if DebugTally {
		runtime.SetFinalizer(c, nil)
	}
}

// ReturnUnused records the hash as not consumed: it rejoins the shuffle and
// may be drawn again immediately.
func (c *Candidate) ReturnUnused() {
	if c.returned {
		panic("generator: candidate returned more than once")
	}
	c.returned = true
	c.source.PutBackUnused(c.Hash)
	if DebugTally {
		runtime.SetFinalizer(c, nil)
	}
}

// ScoreOrRandom returns the candidate's loaded score if present, else its
// random permillage — the fallback the selection-filter ordering uses.
func (c *Candidate) ScoreOrRandom() int {
	if c.StatsLoaded && c.Stats.Score != nil {
		return *c.Stats.Score
	}
	return c.RandomPermillage
}
