package scrobble

import (
	"testing"
	"time"

	"github.com/shkh/lastfm-go/lastfm"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/queue"
)

type fakeTags struct {
	byHash map[fhash.FileHash]audiodata.TagData
}

func (f *fakeTags) TagsFor(hash fhash.FileHash) (audiodata.TagData, bool) {
	t, ok := f.byHash[hash]
	return t, ok
}

type fakeSubmitter struct {
	calls []lastfm.P
	err   error
}

func (f *fakeSubmitter) Scrobble(p lastfm.P) (lastfm.ScrobbleResult, error) {
	f.calls = append(f.calls, p)
	return lastfm.ScrobbleResult{}, f.err
}

func hashOf(n byte) fhash.FileHash {
	var h fhash.FileHash
	h.SHA1[0] = n
	h.ByteLength = int64(n) + 1
	return h
}

func newTestScrobbler(sub *fakeSubmitter, tags *fakeTags) *Scrobbler {
	return New(sub, tags)
}

func TestDonePlayingTrackSubmitsWhenAboveThreshold(t *testing.T) {
	hash := hashOf(1)
	tags := &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{
		hash: {Title: "Song", Artist: "Artist", Album: "Album"},
	}}
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, tags)

	s.DonePlayingTrack(queue.RecentHistoryEntry{
		Hash:             hash,
		StartedAt:        time.Now(),
		PermillagePlayed: 750,
	})

	if len(sub.calls) != 1 {
		t.Fatalf("expected exactly one scrobble submission, got %d", len(sub.calls))
	}
	if sub.calls[0]["track"] != "Song" || sub.calls[0]["artist"] != "Artist" {
		t.Fatalf("unexpected scrobble params: %+v", sub.calls[0])
	}
}

func TestDonePlayingTrackSkipsBelowThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{}})

	s.DonePlayingTrack(queue.RecentHistoryEntry{PermillagePlayed: 499})

	if len(sub.calls) != 0 {
		t.Fatalf("expected no scrobble below threshold, got %d", len(sub.calls))
	}
}

func TestDonePlayingTrackSkipsHadError(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{}})

	s.DonePlayingTrack(queue.RecentHistoryEntry{PermillagePlayed: 1000, HadError: true})

	if len(sub.calls) != 0 {
		t.Fatalf("expected no scrobble for a HadError entry, got %d", len(sub.calls))
	}
}

func TestDonePlayingTrackSkipsSentinels(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{}})

	for _, sentinel := range []int{historystore.PermillageSeeked, historystore.PermillageNoTrack, historystore.PermillageNoLength} {
		s.DonePlayingTrack(queue.RecentHistoryEntry{PermillagePlayed: sentinel})
	}

	if len(sub.calls) != 0 {
		t.Fatalf("expected no scrobbles for sentinel permillage values, got %d", len(sub.calls))
	}
}

func TestDonePlayingTrackSkipsWhenTagsUnresolvable(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{}})

	s.DonePlayingTrack(queue.RecentHistoryEntry{Hash: hashOf(9), PermillagePlayed: 900})

	if len(sub.calls) != 0 {
		t.Fatalf("expected no scrobble when tags can't be resolved, got %d", len(sub.calls))
	}
}

func TestFailedToPlayTrackNeverScrobbles(t *testing.T) {
	sub := &fakeSubmitter{}
	s := newTestScrobbler(sub, &fakeTags{byHash: map[fhash.FileHash]audiodata.TagData{}})

	s.FailedToPlayTrack(queue.RecentHistoryEntry{PermillagePlayed: 1000})

	if len(sub.calls) != 0 {
		t.Fatalf("FailedToPlayTrack must never submit a scrobble")
	}
}
