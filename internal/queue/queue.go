// Package queue implements Queue (§4.3): the ordered sequence of QueueItems
// plus id lookup, first-track-position cache, bounded recent history, and
// front-maintenance.
//
// The overall shape — a mutex-guarded struct holding a slice, a side map for
// id lookup, and a cursor-style cache that gets recomputed after every
// mutation — plus an event-callback fan-out of a small slice of registered
// listeners invoked synchronously after state changes.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// MaxSize is the hard cap on queue length (§4.3).
const MaxSize = 2_000_000

// RecentHistorySize bounds the recent-history ring.
const RecentHistorySize = 20

// RecentHistoryEntry mirrors §3's RecentHistoryEntry tuple.
type RecentHistoryEntry struct {
	QueueId          uint64
	Hash             fhash.FileHash
	User             historystore.UserId
	StartedAt        time.Time
	EndedAt          time.Time
	PermillagePlayed int
	HadError         bool
}

// Permillage sentinels, mirrored from historystore for convenience at the
// queue/player boundary.
const (
	PermillageSeeked   = historystore.PermillageSeeked
	PermillageNoTrack  = historystore.PermillageNoTrack
	PermillageNoLength = historystore.PermillageNoLength
)

// Listener receives Queue events, fired synchronously with the mutation that
// caused them, per §5's ordering guarantees.
type Listener interface {
	EntryAdded(offset int, id uint64)
	EntryRemoved(offset int, id uint64)
	EntryMoved(fromOffset, toOffset int, id uint64)
	FirstTrackChanged(index int, id uint64)
}

// Resolver resolves a queue item's on-disk filename asynchronously. Queue's
// front-maintenance posts work to it and is handed the result back on its
// own goroutine loop (modelling §5's "result delivered to the control
// loop").
type Resolver interface {
	FindPathForHash(ctx context.Context, hash fhash.FileHash) (path string, ok bool)
}

// Queue is the ordered sequence of QueueItems. All exported methods are safe
// for concurrent use; events are delivered synchronously from inside the
// call that caused them; goroutine-posted results from front-maintenance are
// merged back in by the goroutines MaintainFront starts, also under the lock.
type Queue struct {
	mu sync.Mutex

	items  []*queueitem.Item
	idToItem map[uint64]*queueitem.Item

	firstTrackIndex   int
	firstTrackQueueId uint64

	recentHistory []RecentHistoryEntry

	listeners []Listener

	resolver Resolver
}

// New creates an empty Queue. resolver may be nil, in which case
// front-maintenance never resolves filenames (degraded mode).
func New(resolver Resolver) *Queue {
	return &Queue{
		idToItem:          make(map[uint64]*queueitem.Item),
		firstTrackIndex:   -1,
		firstTrackQueueId: 0,
		resolver:          resolver,
	}
}

// AddListener registers a callback for queue events.
func (q *Queue) AddListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) emitAdded(offset int, id uint64) {
	for _, l := range q.listeners {
		l.EntryAdded(offset, id)
	}
}

func (q *Queue) emitRemoved(offset int, id uint64) {
	for _, l := range q.listeners {
		l.EntryRemoved(offset, id)
	}
}

func (q *Queue) emitMoved(from, to int, id uint64) {
	for _, l := range q.listeners {
		l.EntryMoved(from, to, id)
	}
}

func (q *Queue) emitFirstTrackChanged(index int, id uint64) {
	for _, l := range q.listeners {
		l.FirstTrackChanged(index, id)
	}
}

// relocateFirstTrackLocked recomputes firstTrackIndex/firstTrackQueueId from
// scratch and emits firstTrackChanged if it moved. Must be called with mu
// held, after any mutation, exactly once.
func (q *Queue) relocateFirstTrackLocked() {
	oldIndex, oldId := q.firstTrackIndex, q.firstTrackQueueId

	newIndex, newId := -1, uint64(0)
	for i, it := range q.items {
		if it.IsTrack() {
			newIndex, newId = i, it.QueueId
			break
		}
	}

	q.firstTrackIndex, q.firstTrackQueueId = newIndex, newId
	if newIndex != oldIndex || newId != oldId {
		q.emitFirstTrackChanged(newIndex, newId)
	}
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FirstTrackIndex returns the cached first-track position, or -1 if none.
func (q *Queue) FirstTrackIndex() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstTrackIndex
}

// Lookup returns the item with the given id, or nil if not present.
func (q *Queue) Lookup(id uint64) *queueitem.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idToItem[id]
}

// Entries returns a snapshot slice of up to max items starting at offset.
func (q *Queue) Entries(offset, max int) []*queueitem.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if offset >= len(q.items) || offset < 0 {
		return nil
	}
	end := offset + max
	if end > len(q.items) || max <= 0 {
		end = len(q.items)
	}
	out := make([]*queueitem.Item, end-offset)
	copy(out, q.items[offset:end])
	return out
}

// Enqueue appends a Track for hash to the back of the queue.
func (q *Queue) Enqueue(hash fhash.FileHash) (uint64, *apperror.Error) {
	if hash.IsNull() {
		return 0, apperror.New(apperror.HashIsNull, "cannot enqueue a null hash")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= MaxSize {
		return 0, apperror.New(apperror.MaxQueueSizeExceeded, "queue is at capacity")
	}

	it := queueitem.NewTrack(hash)
	q.items = append(q.items, it)
	offset := len(q.items) - 1
	q.idToItem[it.QueueId] = it
	q.emitAdded(offset, it.QueueId)
	q.relocateFirstTrackLocked()
	return it.QueueId, nil
}

// InsertAtFront inserts a Track for hash at index 0.
func (q *Queue) InsertAtFront(hash fhash.FileHash) (uint64, *apperror.Error) {
	if hash.IsNull() {
		return 0, apperror.New(apperror.HashIsNull, "cannot enqueue a null hash")
	}
	return q.insertAtIndex(0, func() *queueitem.Item { return queueitem.NewTrack(hash) }, nil)
}

// InsertBreakAtFront inserts a Break item at index 0.
func (q *Queue) InsertBreakAtFront() (uint64, *apperror.Error) {
	return q.insertAtIndex(0, queueitem.NewBreak, nil)
}

// InsertAtIndex inserts an item built by creator at index i. notifier, if
// non-nil, is called with the newly allocated id before the `added` event
// fires, per §4.3's ordering requirement.
func (q *Queue) InsertAtIndex(i int, creator func() *queueitem.Item, notifier func(id uint64)) (uint64, *apperror.Error) {
	return q.insertAtIndex(i, creator, notifier)
}

func (q *Queue) insertAtIndex(i int, creator func() *queueitem.Item, notifier func(id uint64)) (uint64, *apperror.Error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i > len(q.items) {
		return 0, apperror.New(apperror.QueueIndexOutOfRange, "insert index out of range")
	}
	if len(q.items) >= MaxSize {
		return 0, apperror.New(apperror.MaxQueueSizeExceeded, "queue is at capacity")
	}

	it := creator()
	if it == nil {
		return 0, apperror.New(apperror.QueueItemTypeInvalid, "creator produced no item")
	}

	if notifier != nil {
		notifier(it.QueueId)
	}

	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
	q.idToItem[it.QueueId] = it

	q.emitAdded(i, it.QueueId)
	q.relocateFirstTrackLocked()
	return it.QueueId, nil
}

// Remove removes the item with the given id.
func (q *Queue) Remove(id uint64) *apperror.Error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.idToItem[id]
	if !ok {
		return apperror.New(apperror.QueueIdNotFound, "no such queue id")
	}
	offset := q.indexOfLocked(it)
	return q.removeAtLocked(offset)
}

// RemoveAt removes the item at index i.
func (q *Queue) RemoveAt(i int) *apperror.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeAtLocked(i)
}

func (q *Queue) indexOfLocked(target *queueitem.Item) int {
	for i, it := range q.items {
		if it == target {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAtLocked(i int) *apperror.Error {
	if i < 0 || i >= len(q.items) {
		return apperror.New(apperror.QueueIndexOutOfRange, "remove index out of range")
	}
	it := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	delete(q.idToItem, it.QueueId)

	q.emitRemoved(i, it.QueueId)
	q.relocateFirstTrackLocked()
	return nil
}

// MoveById moves the item with the given id by delta positions.
func (q *Queue) MoveById(id uint64, delta int) *apperror.Error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.idToItem[id]
	if !ok {
		return apperror.New(apperror.QueueIdNotFound, "no such queue id")
	}
	from := q.indexOfLocked(it)
	return q.moveByIndexLocked(from, delta)
}

// MoveByIndex moves the item at index i by delta positions.
func (q *Queue) MoveByIndex(i, delta int) *apperror.Error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.moveByIndexLocked(i, delta)
}

func (q *Queue) moveByIndexLocked(from, delta int) *apperror.Error {
	if from < 0 || from >= len(q.items) {
		return apperror.New(apperror.QueueIndexOutOfRange, "move source index out of range")
	}
	to := from + delta
	if to < 0 || to >= len(q.items) {
		return apperror.New(apperror.QueueIndexOutOfRange, "move destination index out of range")
	}
	if to == from {
		return nil
	}

	it := q.items[from]
	q.items = append(q.items[:from], q.items[from+1:]...)
	q.items = append(q.items, nil)
	copy(q.items[to+1:], q.items[to:])
	q.items[to] = it

	q.emitMoved(from, to, it.QueueId)
	q.relocateFirstTrackLocked()
	return nil
}

// Dequeue removes and returns the head item, or nil if the queue is empty.
func (q *Queue) Dequeue() *queueitem.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	delete(q.idToItem, it.QueueId)
	q.emitRemoved(0, it.QueueId)
	q.relocateFirstTrackLocked()
	return it
}

// Trim removes items from the back until the queue's length is at most n.
func (q *Queue) Trim(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > n {
		last := len(q.items) - 1
		it := q.items[last]
		q.items = q.items[:last]
		delete(q.idToItem, it.QueueId)
		q.emitRemoved(last, it.QueueId)
	}
	q.relocateFirstTrackLocked()
}

// AddToHistory appends entry to the bounded recent-history ring, dropping
// the oldest (and freeing its queue id from the lookup table) if it now
// exceeds RecentHistorySize.
func (q *Queue) AddToHistory(entry RecentHistoryEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recentHistory = append(q.recentHistory, entry)
	if len(q.recentHistory) > RecentHistorySize {
		oldest := q.recentHistory[0]
		q.recentHistory = q.recentHistory[1:]
		delete(q.idToItem, oldest.QueueId)
	}
}

// RecentHistory returns a snapshot of the recent-history ring, oldest first.
func (q *Queue) RecentHistory() []RecentHistoryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RecentHistoryEntry, len(q.recentHistory))
	copy(out, q.recentHistory)
	return out
}

// ScanBackward implements the scan primitive RepetitionChecker relies on
// (§4.2): walking the queue from tail to head, accumulating each Track
// item's known length, stopping either when hash is found (found=true) or
// windowMs(+extraMarginMs) of duration has been accumulated. Break/Barrier
// items and Tracks of unknown length contribute 0ms.
func (q *Queue) ScanBackward(hash fhash.FileHash, windowMs, extraMarginMs int64) (found bool, msCounted int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := windowMs + extraMarginMs
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if it.IsTrack() && it.Hash == hash {
			return true, msCounted
		}
		if it.IsTrack() && it.CachedAudio != nil && it.CachedAudio.TrackLengthMs > 0 {
			msCounted += it.CachedAudio.TrackLengthMs
		}
		if msCounted >= limit {
			break
		}
	}
	return false, msCounted
}

// CheckPotentialRepetitionByAdd reports (isRepetition, msCounted) for adding
// hash, scanning over a window of windowSeconds with extraMarginMs of slack.
// This is the Queue-only half of §4.2's algorithm, usable standalone by
// clients that only need the queue-internal scan.
func (q *Queue) CheckPotentialRepetitionByAdd(hash fhash.FileHash, windowSeconds int, extraMarginMs int64) (bool, int64) {
	windowMs := int64(windowSeconds) * 1000
	if windowMs < 0 {
		return false, 0
	}
	return q.ScanBackward(hash, windowMs, extraMarginMs)
}

// MaintainFront walks up to the first 10 items looking for Tracks whose
// cached filename is missing or stale, and posts an asynchronous
// findPathForHash for each via the resolver; the result is merged back in
// under the lock once the resolver's goroutine completes, matching §4.3's
// "delivered back to the queue thread" contract. Call on the front-
// maintenance ticker (~10s, per §4.3) or via a fast 25ms re-check (§4.8)
// whenever the first Track changes.
func (q *Queue) MaintainFront(ctx context.Context, statFn func(path string) (size int64, modTime time.Time, ok bool)) {
	if q.resolver == nil {
		return
	}

	const frontWindow = 10
	q.mu.Lock()
	candidates := make([]*queueitem.Item, 0, frontWindow)
	for i := 0; i < len(q.items) && i < frontWindow; i++ {
		it := q.items[i]
		if !it.IsTrack() {
			continue
		}
		size, modTime, ok := int64(0), time.Time{}, false
		if it.CachedFilename != "" && statFn != nil {
			size, modTime, ok = statFn(it.CachedFilename)
		}
		if it.HasValidCachedFilename(size, modTime, ok) {
			continue
		}
		candidates = append(candidates, it)
	}
	q.mu.Unlock()

	for _, it := range candidates {
		it := it
		go func() {
			path, ok := q.resolver.FindPathForHash(ctx, it.Hash)
			q.mu.Lock()
			defer q.mu.Unlock()
			// it may have been removed from the queue meanwhile; idToItem is
			// the source of truth for "still present".
			if _, present := q.idToItem[it.QueueId]; !present {
				return
			}
			if ok {
				it.SetCachedFilename(path, time.Now())
				it.ResetBackoff()
			} else {
				it.NextBackoff()
			}
		}()
	}
}
