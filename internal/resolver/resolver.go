// Package resolver implements findPathForHash, file content-hashing, tag
// extraction, and the library scan (§12): "turn a file on disk into a typed
// record" and "walk a directory collecting those records", using a
// FileHash identity (simultaneous SHA-1 + MD5 + byte length via
// io.MultiWriter) and fhash-addressed Entry records keyed for the
// generator/queue/preloader trio.
package resolver

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dhowden/tag"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// SupportedExtensions lists the audio file extensions the resolver indexes.
var SupportedExtensions = []string{".mp3", ".flac"}

// IsSupportedExtension reports whether ext (including the leading dot) names
// a format the resolver can index and the player can decode.
func IsSupportedExtension(ext string) bool {
	lower := strings.ToLower(ext)
	for _, e := range SupportedExtensions {
		if lower == e {
			return true
		}
	}
	return false
}

// entry is the library's per-hash record.
type entry struct {
	path  string
	audio audiodata.AudioData
	tags  audiodata.TagData
}

// Library is the in-memory index of known tracks, keyed by content hash. It
// implements queue.Resolver, preloader.Resolver, and generator.TrackInfo.
type Library struct {
	mu       sync.RWMutex
	musicDir string
	hashes   *fhash.Registry
	byHash   map[fhash.FileHash]*entry
}

// New creates an empty Library rooted at musicDir, registering discovered
// hashes with hashes.
func New(musicDir string, hashes *fhash.Registry) *Library {
	return &Library{
		musicDir: musicDir,
		hashes:   hashes,
		byHash:   make(map[fhash.FileHash]*entry),
	}
}

// FindPathForHash implements queue.Resolver / preloader.Resolver.
func (l *Library) FindPathForHash(ctx context.Context, hash fhash.FileHash) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byHash[hash]
	if !ok {
		return "", false
	}
	return e.path, true
}

// AudioDataFor implements generator.TrackInfo.
func (l *Library) AudioDataFor(hash fhash.FileHash) (*audiodata.AudioData, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byHash[hash]
	if !ok {
		return nil, false
	}
	audio := e.audio
	return &audio, true
}

// HasPlayablePath implements generator.TrackInfo.
func (l *Library) HasPlayablePath(hash fhash.FileHash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byHash[hash]
	if !ok {
		return false
	}
	if _, err := os.Stat(e.path); err != nil {
		return false
	}
	return true
}

// TagsFor returns the extracted tag metadata for hash, if known.
func (l *Library) TagsFor(hash fhash.FileHash) (audiodata.TagData, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byHash[hash]
	if !ok {
		return audiodata.TagData{}, false
	}
	return e.tags, true
}

// Count returns the number of distinct hashes currently indexed.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byHash)
}

// ReindexAll walks musicDir, computing a FileHash and extracting metadata
// for every supported file, and replaces the library's contents with the
// result. Individual file failures are logged and skipped; the scan itself
// only fails if the root directory can't be walked at all.
func (l *Library) ReindexAll(ctx context.Context) (added int, err error) {
	paths, err := l.scanPaths()
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	fresh := make(map[fhash.FileHash]*entry, len(paths))
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return added, ctx.Err()
		default:
		}

		hash, err := computeFileHash(path)
		if err != nil {
			slog.Warn("resolver: failed to hash file", "path", path, "error", err)
			continue
		}
		audio, err := probeAudioData(path)
		if err != nil {
			slog.Warn("resolver: failed to probe audio data", "path", path, "error", err)
			continue
		}
		tags := extractTags(path)

		l.hashes.Register(hash)
		if _, existed := fresh[hash]; !existed {
			added++
		}
		fresh[hash] = &entry{path: path, audio: audio, tags: tags}
	}

	l.mu.Lock()
	l.byHash = fresh
	l.mu.Unlock()

	slog.Info("resolver: reindex complete", "files_scanned", len(paths), "tracks_indexed", len(fresh))
	return added, nil
}

// scanPaths walks musicDir collecting every supported-extension file.
func (l *Library) scanPaths() ([]string, error) {
	info, err := os.Stat(l.musicDir)
	if err != nil {
		return nil, fmt.Errorf("resolver: cannot access music directory %q: %w", l.musicDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resolver: %q is not a directory", l.musicDir)
	}

	var paths []string
	err = filepath.Walk(l.musicDir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			slog.Warn("resolver: error accessing path during scan", "path", path, "error", walkErr)
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		if !IsSupportedExtension(filepath.Ext(path)) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: error walking music directory %q: %w", l.musicDir, err)
	}
	return paths, nil
}

// computeFileHash reads path once, computing SHA-1 and MD5 simultaneously
// via io.MultiWriter.
func computeFileHash(path string) (fhash.FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return fhash.FileHash{}, err
	}
	defer f.Close()

	sha1h := sha1.New()
	md5h := md5.New()
	n, err := io.Copy(io.MultiWriter(sha1h, md5h), f)
	if err != nil {
		return fhash.FileHash{}, err
	}

	var h fhash.FileHash
	h.ByteLength = n
	copy(h.SHA1[:], sha1h.Sum(nil))
	copy(h.MD5[:], md5h.Sum(nil))
	return h, nil
}

// probeAudioData opens path and reads just enough of the container header to
// learn its format and length, without decoding the full file.
func probeAudioData(path string) (audiodata.AudioData, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, err := os.Open(path)
	if err != nil {
		return audiodata.AudioData{}, err
	}
	defer f.Close()

	switch ext {
	case ".mp3":
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			return audiodata.AudioData{}, fmt.Errorf("mp3 header: %w", err)
		}
		const bytesPerFrame = 4 // go-mp3 always decodes to 16-bit stereo
		lengthMs := dec.Length() / bytesPerFrame * 1000 / int64(dec.SampleRate())
		return audiodata.AudioData{Format: audiodata.MP3, TrackLengthMs: lengthMs}, nil

	case ".flac":
		stream, err := flac.New(f)
		if err != nil {
			return audiodata.AudioData{}, fmt.Errorf("flac header: %w", err)
		}
		info := stream.Info
		var lengthMs int64 = -1
		if info.SampleRate > 0 {
			lengthMs = int64(info.NSamples) * 1000 / int64(info.SampleRate)
		}
		return audiodata.AudioData{Format: audiodata.FLAC, TrackLengthMs: lengthMs}, nil

	default:
		return audiodata.AudioData{}, fmt.Errorf("unsupported extension %q", ext)
	}
}

// extractTags reads ID3/Vorbis-comment metadata via dhowden/tag. Unreadable
// or absent tags simply leave TagData empty; this is not an error.
func extractTags(path string) audiodata.TagData {
	f, err := os.Open(path)
	if err != nil {
		return audiodata.TagData{}
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		slog.Debug("resolver: could not read tags", "path", path, "error", err)
		return audiodata.TagData{}
	}

	return audiodata.TagData{
		Title:       m.Title(),
		Artist:      m.Artist(),
		Album:       m.Album(),
		AlbumArtist: m.AlbumArtist(),
	}
}
