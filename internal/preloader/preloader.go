// Package preloader implements Preloader and PreloadedFile (§4.8): a small
// rolling cache of the upcoming few tracks copied to local temp files, so
// playback can start decoding immediately regardless of where the real file
// lives. Follows the same goroutine-job-per-candidate shape as the queue's
// own front-maintenance (results merged back under the lock); the atomic
// temp-then-rename commit is the common Go idiom for "never leave a
// half-written file".
package preloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// PreloadRange is the queue-index window (§4.8): only the first 5 entries
// are kept preloaded.
const PreloadRange = 5

// MaxConcurrentJobs caps simultaneous preload jobs.
const MaxConcurrentJobs = 2

// DeletionDebounce coalesces rapid-fire queue churn into a single cleanup
// sweep per id.
const DeletionDebounce = 500 * time.Millisecond

// FastRecheckDelay is the window re-scan delay triggered whenever the
// queue's first track changes.
const FastRecheckDelay = 25 * time.Millisecond

// StartupMaxAge bounds how long an orphaned cache file from a previous run
// is allowed to live before the startup sweep deletes it.
const StartupMaxAge = 10 * 24 * time.Hour

// CacheDirName is the subdirectory of the configured temp dir preloaded
// files live in.
const CacheDirName = "PMP-preload-cache"

// State is a preload job's lifecycle for one queue id.
type State int

const (
	Initial State = iota
	Processing
	Preloaded
	Failed
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Processing:
		return "Processing"
	case Preloaded:
		return "Preloaded"
	case Failed:
		return "Failed"
	case CleanedUp:
		return "CleanedUp"
	default:
		return "Initial"
	}
}

// Resolver looks up an on-disk path for a hash when the queue item doesn't
// already carry a cached filename.
type Resolver interface {
	FindPathForHash(ctx context.Context, hash fhash.FileHash) (path string, ok bool)
}

// QueueView is the read-only slice of Queue Preloader needs to see the
// current window of upcoming tracks.
type QueueView interface {
	Entries(offset, max int) []*queueitem.Item
}

// Listener receives preload lifecycle events.
type Listener interface {
	TrackPreloaded(queueId uint64)
}

type cacheEntry struct {
	state     State
	path      string
	lockCount int
	deleteAt  *time.Timer
}

// Preloader maintains on-disk copies of the next few upcoming tracks.
type Preloader struct {
	mu        sync.Mutex
	resolver  Resolver
	tempDir   string
	queue     QueueView
	listener  Listener
	pid       int
	entries   map[uint64]*cacheEntry
	active    int
	fastTimer *time.Timer
}

// New creates a Preloader writing into tempDir/PMP-preload-cache. listener
// may be nil.
func New(resolver Resolver, queue QueueView, tempDir string, listener Listener) *Preloader {
	return &Preloader{
		resolver: resolver,
		queue:    queue,
		tempDir:  filepath.Join(tempDir, CacheDirName),
		listener: listener,
		pid:      os.Getpid(),
		entries:  make(map[uint64]*cacheEntry),
	}
}

// StartupSweep deletes cache files from a previous run older than
// StartupMaxAge. Call once before serving traffic.
func (p *Preloader) StartupSweep() error {
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return fmt.Errorf("preloader: create cache dir: %w", err)
	}
	entries, err := os.ReadDir(p.tempDir)
	if err != nil {
		return fmt.Errorf("preloader: read cache dir: %w", err)
	}
	cutoff := time.Now().Add(-StartupMaxAge)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(p.tempDir, de.Name()))
		}
	}
	return nil
}

// EntryAdded implements queue.Listener: a new candidate may have entered the
// preload window.
func (p *Preloader) EntryAdded(offset int, id uint64) {
	if offset < PreloadRange {
		p.scheduleFastRecheck()
	}
}

// EntryRemoved implements queue.Listener: the id leaving the queue is queued
// for cache deletion, and the window shifted so a fast recheck is due.
func (p *Preloader) EntryRemoved(offset int, id uint64) {
	p.scheduleDeletion(id)
	p.scheduleFastRecheck()
}

// EntryMoved implements queue.Listener.
func (p *Preloader) EntryMoved(fromOffset, toOffset int, id uint64) {
	if fromOffset < PreloadRange || toOffset < PreloadRange {
		p.scheduleFastRecheck()
	}
}

// FirstTrackChanged implements queue.Listener: always triggers the fast
// 25ms re-check per §4.8.
func (p *Preloader) FirstTrackChanged(index int, id uint64) {
	p.scheduleFastRecheck()
}

func (p *Preloader) scheduleFastRecheck() {
	p.mu.Lock()
	if p.fastTimer != nil {
		p.mu.Unlock()
		return
	}
	p.fastTimer = time.AfterFunc(FastRecheckDelay, func() {
		p.mu.Lock()
		p.fastTimer = nil
		p.mu.Unlock()
		p.MaintainWindow(context.Background())
	})
	p.mu.Unlock()
}

// MaintainWindow scans the first PreloadRange queue entries and starts a job
// for any Track not yet queued/processed/preloaded/failed, bounded by
// MaxConcurrentJobs.
func (p *Preloader) MaintainWindow(ctx context.Context) {
	items := p.queue.Entries(0, PreloadRange)

	p.mu.Lock()
	seen := make(map[uint64]bool, len(items))
	var toStart []*queueitem.Item
	for _, it := range items {
		if it.Kind != queueitem.KindTrack {
			continue
		}
		seen[it.QueueId] = true
		e, ok := p.entries[it.QueueId]
		if !ok {
			p.entries[it.QueueId] = &cacheEntry{state: Initial}
			toStart = append(toStart, it)
			continue
		}
		if e.state == Initial {
			toStart = append(toStart, it)
		}
		if e.deleteAt != nil {
			e.deleteAt.Stop()
			e.deleteAt = nil
		}
	}
	p.mu.Unlock()

	for _, it := range toStart {
		p.tryStartJob(ctx, it)
	}
}

func (p *Preloader) tryStartJob(ctx context.Context, it *queueitem.Item) {
	p.mu.Lock()
	if p.active >= MaxConcurrentJobs {
		p.mu.Unlock()
		return
	}
	e, ok := p.entries[it.QueueId]
	if !ok || e.state != Initial {
		p.mu.Unlock()
		return
	}
	e.state = Processing
	p.active++
	p.mu.Unlock()

	go p.preloadAsync(ctx, it)
}

// preloadAsync is the §4.8 job pipeline, run on its own goroutine (modelling
// "runs on a worker" from §5).
func (p *Preloader) preloadAsync(ctx context.Context, it *queueitem.Item) {
	queueId := it.QueueId
	defer p.jobDone(queueId)

	path := it.CachedFilename
	if path == "" {
		if p.resolver == nil {
			p.fail(queueId)
			return
		}
		resolved, ok := p.resolver.FindPathForHash(ctx, it.Hash)
		if !ok {
			p.fail(queueId)
			return
		}
		path = resolved
	}

	src, err := os.Open(path)
	if err != nil {
		p.fail(queueId)
		return
	}
	defer src.Close()

	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		p.fail(queueId)
		return
	}

	ext := filepath.Ext(path)
	finalPath := filepath.Join(p.tempDir, fmt.Sprintf("P%d-Q%d%s", p.pid, queueId, ext))
	tempPath := finalPath + ".partial"

	// An existing staged or partial file under this name is a cache-path
	// collision: fail the job rather than overwrite it.
	if _, err := os.Stat(finalPath); err == nil {
		p.fail(queueId)
		return
	}
	dst, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		p.fail(queueId)
		return
	}
	// preprocessFileForPlayback (§4.8) is format-preserving preparation; a
	// straight byte copy satisfies that contract for the formats the
	// resolver/player pair currently supports (MP3, FLAC).
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tempPath)
		p.fail(queueId)
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(tempPath)
		p.fail(queueId)
		return
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		p.fail(queueId)
		return
	}

	p.mu.Lock()
	e, ok := p.entries[queueId]
	if !ok {
		// the id was removed from the queue while the job ran; clean up
		// immediately rather than leaving an orphaned Preloaded entry.
		p.mu.Unlock()
		os.Remove(finalPath)
		return
	}
	e.state = Preloaded
	e.path = finalPath
	p.mu.Unlock()

	if p.listener != nil {
		p.listener.TrackPreloaded(queueId)
	}
}

func (p *Preloader) fail(queueId uint64) {
	p.mu.Lock()
	if e, ok := p.entries[queueId]; ok {
		e.state = Failed
	}
	p.mu.Unlock()
}

func (p *Preloader) jobDone(queueId uint64) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// scheduleDeletion arms the 500ms debounce for a queue id that has been
// removed from the queue. Ids that merely move out of the preload window
// are not scheduled.
func (p *Preloader) scheduleDeletion(queueId uint64) {
	p.mu.Lock()
	e, ok := p.entries[queueId]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.deleteAt != nil {
		e.deleteAt.Stop()
	}
	e.deleteAt = time.AfterFunc(DeletionDebounce, func() { p.attemptDeletion(queueId) })
	p.mu.Unlock()
}

func (p *Preloader) attemptDeletion(queueId uint64) {
	p.mu.Lock()
	e, ok := p.entries[queueId]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.state == Processing || e.lockCount > 0 {
		// retry on the next sweep
		e.deleteAt = time.AfterFunc(DeletionDebounce, func() { p.attemptDeletion(queueId) })
		p.mu.Unlock()
		return
	}
	path := e.path
	e.state = CleanedUp
	delete(p.entries, queueId)
	p.mu.Unlock()

	if path != "" {
		os.Remove(path)
	}
}

// StateOf reports the current preload state for a queue id (Initial if
// unknown).
func (p *Preloader) StateOf(queueId uint64) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[queueId]; ok {
		return e.state
	}
	return Initial
}

// Acquire hands out a PreloadedFile scoped handle for queueId if it's
// currently Preloaded, incrementing its lock refcount. Returns ok=false if
// the id isn't preloaded.
func (p *Preloader) Acquire(queueId uint64) (*PreloadedFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[queueId]
	if !ok || e.state != Preloaded {
		return nil, false
	}
	e.lockCount++
	return &PreloadedFile{preloader: p, queueId: queueId, path: e.path}, true
}

func (p *Preloader) release(queueId uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[queueId]; ok && e.lockCount > 0 {
		e.lockCount--
	}
}

// PreloadedFile is a scoped handle guaranteeing its backing file exists (or
// the preloader itself is gone) for as long as the handle is held. Multiple
// handles per id are allowed; release it when done (§4.8).
type PreloadedFile struct {
	preloader *Preloader
	queueId   uint64
	path      string
}

// Path returns the on-disk location of the preloaded copy.
func (f *PreloadedFile) Path() string { return f.path }

// Release drops this handle's lock on the cache entry, allowing deletion to
// proceed on a later sweep.
func (f *PreloadedFile) Release() {
	f.preloader.release(f.queueId)
}
