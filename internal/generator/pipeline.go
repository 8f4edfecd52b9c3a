package generator

import (
	"math/rand/v2"
	"sort"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/randomtracks"
)

// TrackInfo is the narrow, non-blocking read surface the pipeline needs from
// the library/resolver layer to evaluate a freshly drawn hash. Both methods
// must be safe to call from the control loop without touching disk — they
// read from caches the resolver's workers keep warm.
type TrackInfo interface {
	AudioDataFor(hash fhash.FileHash) (*audiodata.AudioData, bool)
	HasPlayablePath(hash fhash.FileHash) bool
}

// BasicFilterFunc decides whether a freshly drawn Candidate is suitable to
// keep at all.
type BasicFilterFunc func(c *Candidate) bool

// LessFunc implements the selection-filter total ordering (§4.4): Less(a, b)
// reports whether a should be preferred over b.
type LessFunc func(a, b *Candidate) bool

// CandidatePipeline draws Candidates from a randomtracks.Source, evaluates
// them with a basic filter, and keeps the top-N under a selection ordering —
// the shared machinery behind both TrackGenerator and WaveGenerator (§9).
type CandidatePipeline struct {
	Source     *randomtracks.Source
	Hashes     *fhash.Registry
	Info       TrackInfo
	History    *historystore.Cache
	BasicFilter BasicFilterFunc
	Less       LessFunc

	TakeCount int
	KeepCount int

	Upcoming []*Candidate
}

// draw pulls up to n hashes from Source and wraps each as a Candidate,
// populating Stats/StatsLoaded/Playable/AudioData from the current cache
// state. Returns fewer than n if the reservoir runs dry.
func (p *CandidatePipeline) draw(n int, user historystore.UserId) []*Candidate {
	out := make([]*Candidate, 0, n)
	for i := 0; i < n; i++ {
		hash, ok := p.Source.TakeTrack()
		if !ok {
			break
		}
		hashId := p.Hashes.Register(hash)
		audio, _ := p.Info.AudioDataFor(hash)
		playable := p.Info.HasPlayablePath(hash)
		c := newCandidate(p.Source, hashId, hash, audio, playable, rand.IntN(1001))
		if user != 0 {
			if stats, ok := p.History.Get(hashId, user); ok {
				c.Stats = stats
				c.StatsLoaded = true
			}
		}
		out = append(out, c)
	}
	return out
}

// Refill runs one pass: draw TakeCount Candidates, drop everything failing
// BasicFilter (returned unused), keep the top KeepCount by Less (the rest
// also returned unused), append survivors to Upcoming. Returns the number of
// Candidates appended.
func (p *CandidatePipeline) Refill(user historystore.UserId) int {
	drawn := p.draw(p.TakeCount, user)

	kept := drawn[:0]
	for _, c := range drawn {
		if p.BasicFilter(c) {
			kept = append(kept, c)
		} else {
			c.ReturnUnused()
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return p.Less(kept[i], kept[j]) })

	keepN := p.KeepCount
	if keepN > len(kept) {
		keepN = len(kept)
	}
	for _, c := range kept[keepN:] {
		c.ReturnUnused()
	}
	survivors := kept[:keepN]
	p.Upcoming = append(p.Upcoming, survivors...)
	return len(survivors)
}

// CriteriaChanged re-applies BasicFilter to every Candidate currently
// sitting in Upcoming, evicting (returned unused) anything that no longer
// qualifies — used when the target user or no-repetition window changes
// (§4.4).
func (p *CandidatePipeline) CriteriaChanged() {
	kept := p.Upcoming[:0]
	for _, c := range p.Upcoming {
		if p.BasicFilter(c) {
			kept = append(kept, c)
		} else {
			c.ReturnUnused()
		}
	}
	p.Upcoming = kept
}

// PopFront removes and returns the head Candidate of Upcoming, or nil if
// empty.
func (p *CandidatePipeline) PopFront() *Candidate {
	if len(p.Upcoming) == 0 {
		return nil
	}
	c := p.Upcoming[0]
	p.Upcoming = p.Upcoming[1:]
	return c
}

// Drain returns every remaining Candidate to the source (as used when used
// is true, otherwise as unused) and clears Upcoming. Used on
// termination/reset.
func (p *CandidatePipeline) Drain(used bool) {
	for _, c := range p.Upcoming {
		if used {
			c.ReturnUsed()
		} else {
			c.ReturnUnused()
		}
	}
	p.Upcoming = nil
}

// defaultBasicFilter builds the §4.4 basic filter: playable, minimum length,
// stats loaded (if in personal mode), and minimum score.
func defaultBasicFilter(minLengthMs int64, minScorePermille int, user historystore.UserId) BasicFilterFunc {
	return func(c *Candidate) bool {
		if !c.Playable {
			return false
		}
		if c.AudioData != nil && c.AudioData.TrackLengthMs >= 0 && c.AudioData.TrackLengthMs < minLengthMs {
			return false
		}
		if user == 0 {
			return true
		}
		if !c.StatsLoaded {
			return false // reject, don't freeze: hash returns to the reservoir
		}
		if c.Stats.Score != nil && *c.Stats.Score < minScorePermille {
			return false
		}
		return true
	}
}

// defaultLess implements the §4.4 selection-filter comparator.
func defaultLess(a, b *Candidate) bool {
	if a.StatsLoaded && !b.StatsLoaded {
		return true
	}
	if !a.StatsLoaded && b.StatsLoaded {
		return false
	}
	if !a.StatsLoaded && !b.StatsLoaded {
		return a.HashId < b.HashId // tie, stabilised by id
	}

	sa, sb := a.ScoreOrRandom(), b.ScoreOrRandom()
	if sa != sb {
		return sa > sb
	}

	aHeard, bHeard := a.Stats.LastHeardAt, b.Stats.LastHeardAt
	switch {
	case aHeard == nil && bHeard == nil:
		return a.HashId < b.HashId
	case aHeard == nil:
		return true // absent = "longer ago" = wins
	case bHeard == nil:
		return false
	default:
		return aHeard.Before(*bHeard)
	}
}
