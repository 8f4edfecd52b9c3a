// Package scrobble implements the Last.fm consumer described as a
// supplemented feature in §12: it listens for Player's donePlayingTrack
// event and submits a scrobble once a track clears the conventional
// "at least half played" threshold. Grounded on llehouerou-waves's
// internal/lastfm/client.go — the same shkh/lastfm-go session-key wrapper,
// generalized from that package's UI-driven one-track-at-a-time flow to a
// Listener hooked directly onto Player's event fan-out.
package scrobble

import (
	"log/slog"

	"github.com/shkh/lastfm-go/lastfm"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/queue"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// ScrobbleThreshold is the conventional "played at least half the track"
// rule most scrobblers use.
const ScrobbleThreshold = 500

// TrackTags resolves a hash to the metadata a scrobble submission needs.
// internal/resolver.Library satisfies this via its TagsFor method.
type TrackTags interface {
	TagsFor(hash fhash.FileHash) (audiodata.TagData, bool)
}

// TrackSubmitter is the one lastfm-go call Scrobbler makes — satisfied by
// an authenticated *lastfm.Api's Track sub-client (pass client.Track). Kept
// as a narrow interface so tests can substitute a fake instead of hitting
// the real Last.fm API.
type TrackSubmitter interface {
	Scrobble(lastfm.P) (lastfm.ScrobbleResult, error)
}

// Scrobbler implements player.Listener's DonePlayingTrack hook, submitting a
// Last.fm scrobble for tracks that cleared ScrobbleThreshold.
type Scrobbler struct {
	track TrackSubmitter
	tags  TrackTags
}

// New creates a Scrobbler. track is normally an authenticated client's Track
// sub-client (session key set via the out-of-band desktop auth flow — see
// llehouerou-waves's internal/ui/lastfmauth for that exchange, which this
// package doesn't repeat since it only consumes a ready session).
func New(track TrackSubmitter, tags TrackTags) *Scrobbler {
	return &Scrobbler{track: track, tags: tags}
}

// CurrentTrackChanged implements player.Listener; scrobbling doesn't react
// to this event.
func (s *Scrobbler) CurrentTrackChanged(_ *queueitem.Item) {}

// Finished implements player.Listener; scrobbling doesn't react to this
// event.
func (s *Scrobbler) Finished() {}

// FailedToPlayTrack implements player.Listener; a track that errored out
// never reaches the scrobble threshold, so there's nothing to submit.
func (s *Scrobbler) FailedToPlayTrack(_ queue.RecentHistoryEntry) {}

// DonePlayingTrack implements player.Listener: scrobble if the entry cleared
// ScrobbleThreshold, skipping the "seeked"/"no length"/"no track" sentinels
// (all negative) and any entry flagged HadError.
func (s *Scrobbler) DonePlayingTrack(entry queue.RecentHistoryEntry) {
	if entry.HadError {
		return
	}
	if entry.PermillagePlayed == historystore.PermillageSeeked ||
		entry.PermillagePlayed == historystore.PermillageNoTrack ||
		entry.PermillagePlayed == historystore.PermillageNoLength {
		return
	}
	if entry.PermillagePlayed < ScrobbleThreshold {
		return
	}

	tags, ok := s.tags.TagsFor(entry.Hash)
	if !ok || tags.Title == "" {
		slog.Debug("scrobble: skipping entry with no resolvable metadata", "queue_id", entry.QueueId)
		return
	}

	params := lastfm.P{
		"artist":    tags.Artist,
		"track":     tags.Title,
		"timestamp": entry.StartedAt.Unix(),
	}
	if tags.Album != "" {
		params["album"] = tags.Album
	}
	if tags.AlbumArtist != "" && tags.AlbumArtist != tags.Artist {
		params["albumArtist"] = tags.AlbumArtist
	}

	if _, err := s.track.Scrobble(params); err != nil {
		slog.Warn("scrobble: submission failed", "queue_id", entry.QueueId, "error", err)
	}
}
