// Package queueitem implements the QueueItem tagged variant (§3): a Track, a
// Break, or a Barrier, each carrying a unique, monotonic, process-wide queue
// id. The source material models these through inheritance/virtual dispatch
// (design note §9); here they are one struct with a Kind discriminant and
// exhaustive switches at every call site, the idiomatic Go rendition.
package queueitem

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// Kind discriminates the three QueueItem variants.
type Kind int

const (
	KindTrack Kind = iota
	KindBreak
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindTrack:
		return "Track"
	case KindBreak:
		return "Break"
	case KindBarrier:
		return "Barrier"
	default:
		return "Unknown"
	}
}

// nextQueueId is the monotonic, process-wide queue-id counter. It starts at 1
// (0 is never a valid id) and is never reused within a run.
var nextQueueId atomic.Uint64

func init() {
	nextQueueId.Store(1)
}

// NewQueueId allocates the next process-wide unique queue id.
func NewQueueId() uint64 {
	return nextQueueId.Add(1) - 1
}

// Item is one element of the Queue: a Track, a Break, or a Barrier.
// The Track-only fields are zero-valued for Break/Barrier items.
type Item struct {
	QueueId uint64
	Kind    Kind

	// Track-only fields.
	Hash            fhash.FileHash
	CachedAudio     *audiodata.AudioData
	CachedTags      *audiodata.TagData
	CachedFilename  string
	FinderBackoff   int
	FinderFailCount int
	cachedAt        time.Time // when CachedFilename was last validated
}

// NewTrack creates a Track item for hash, with a freshly allocated queue id.
func NewTrack(hash fhash.FileHash) *Item {
	return &Item{
		QueueId: NewQueueId(),
		Kind:    KindTrack,
		Hash:    hash,
	}
}

// NewBreak creates a Break item with a freshly allocated queue id.
func NewBreak() *Item {
	return &Item{QueueId: NewQueueId(), Kind: KindBreak}
}

// NewBarrier creates a Barrier item with a freshly allocated queue id.
func NewBarrier() *Item {
	return &Item{QueueId: NewQueueId(), Kind: KindBarrier}
}

// IsTrack reports whether the item is a Track.
func (it *Item) IsTrack() bool { return it.Kind == KindTrack }

// HasValidCachedFilename reports whether CachedFilename is set and still
// looks valid (the file exists and hasn't been touched more recently than
// our cached mtime snapshot). statSize is not compared: no size is recorded
// when the filename is cached. This is
// consulted by Queue front-maintenance (§4.3) to decide whether a Track needs
// a fresh findPathForHash lookup.
func (it *Item) HasValidCachedFilename(statSize int64, statModTime time.Time, ok bool) bool {
	if it.CachedFilename == "" {
		return false
	}
	if !ok {
		return false
	}
	return !statModTime.After(it.cachedAt)
}

// SetCachedFilename records a freshly resolved filename along with the
// observation time used for future staleness checks.
func (it *Item) SetCachedFilename(path string, observedAt time.Time) {
	it.CachedFilename = path
	it.cachedAt = observedAt
}

// Filename returns the base name of the cached filename, or "" if none.
func (it *Item) Filename() string {
	if it.CachedFilename == "" {
		return ""
	}
	return filepath.Base(it.CachedFilename)
}

// NextBackoff doubles the finder back-off (with a floor) after another
// resolution failure, and bumps the fail count. Mirrors the exponential
// back-off described in §4.3.
func (it *Item) NextBackoff() time.Duration {
	it.FinderFailCount++
	if it.FinderBackoff <= 0 {
		it.FinderBackoff = 1
	} else if it.FinderBackoff < 1<<10 {
		it.FinderBackoff *= 2
	}
	return time.Duration(it.FinderBackoff) * time.Second
}

// ResetBackoff clears the back-off state after a successful resolution.
func (it *Item) ResetBackoff() {
	it.FinderBackoff = 0
	it.FinderFailCount = 0
}
