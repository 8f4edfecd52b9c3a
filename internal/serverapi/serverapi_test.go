package serverapi

import (
	"context"
	"testing"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/player"
	"github.com/arung-agamani/pmpserver/internal/protocol"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

type fakeQueue struct {
	items   []*queueitem.Item
	removed []uint64
	moved   []int64
	trimmed int
	trimN   int
}

func (q *fakeQueue) Len() int { return len(q.items) }
func (q *fakeQueue) Entries(offset, max int) []*queueitem.Item {
	if offset >= len(q.items) {
		return nil
	}
	end := offset + max
	if end > len(q.items) {
		end = len(q.items)
	}
	return q.items[offset:end]
}
func (q *fakeQueue) Lookup(id uint64) *queueitem.Item {
	for _, it := range q.items {
		if it.QueueId == id {
			return it
		}
	}
	return nil
}
func (q *fakeQueue) Enqueue(hash fhash.FileHash) (uint64, *apperror.Error) {
	it := queueitem.NewTrack(hash)
	q.items = append(q.items, it)
	return it.QueueId, nil
}
func (q *fakeQueue) InsertAtFront(hash fhash.FileHash) (uint64, *apperror.Error) {
	it := queueitem.NewTrack(hash)
	q.items = append([]*queueitem.Item{it}, q.items...)
	return it.QueueId, nil
}
func (q *fakeQueue) InsertBreakAtFront() (uint64, *apperror.Error) {
	it := queueitem.NewBreak()
	q.items = append([]*queueitem.Item{it}, q.items...)
	return it.QueueId, nil
}
func (q *fakeQueue) Remove(id uint64) *apperror.Error {
	for i, it := range q.items {
		if it.QueueId == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.removed = append(q.removed, id)
			return nil
		}
	}
	return apperror.New(apperror.QueueIdNotFound, "no such id")
}
func (q *fakeQueue) MoveById(id uint64, delta int) *apperror.Error {
	q.moved = append(q.moved, int64(delta))
	return nil
}
func (q *fakeQueue) Trim(n int) { q.trimmed++; q.trimN = n }

type fakePlayer struct {
	state   player.State
	current *queueitem.Item
	played  int
	paused  int
	skipped int
	seekErr *apperror.Error
	seekMs  int64
}

func (p *fakePlayer) State() player.State      { return p.state }
func (p *fakePlayer) Current() *queueitem.Item { return p.current }
func (p *fakePlayer) PositionMs() int64        { return 0 }
func (p *fakePlayer) Play()                    { p.played++ }
func (p *fakePlayer) Pause()                   { p.paused++ }
func (p *fakePlayer) Skip()                    { p.skipped++ }
func (p *fakePlayer) SeekTo(ms int64) *apperror.Error {
	p.seekMs = ms
	return p.seekErr
}

type fakeGenerator struct {
	enabled  bool
	userFor  historystore.UserId
	noRepSec int
}

func (g *fakeGenerator) Enable()  { g.enabled = true }
func (g *fakeGenerator) Disable() { g.enabled = false }
func (g *fakeGenerator) SetNoRepetitionSeconds(s int) { g.noRepSec = s }
func (g *fakeGenerator) NoRepetitionSeconds() int     { return g.noRepSec }
func (g *fakeGenerator) SetUserPlayingFor(user historystore.UserId, now time.Time) {
	g.userFor = user
}
func (g *fakeGenerator) UserPlayingFor() historystore.UserId { return g.userFor }

type fakeTracks struct {
	audio map[fhash.FileHash]*audiodata.AudioData
	tags  map[fhash.FileHash]audiodata.TagData
}

func (t *fakeTracks) AudioDataFor(hash fhash.FileHash) (*audiodata.AudioData, bool) {
	a, ok := t.audio[hash]
	return a, ok
}
func (t *fakeTracks) TagsFor(hash fhash.FileHash) (audiodata.TagData, bool) {
	tg, ok := t.tags[hash]
	return tg, ok
}

type fakeVolume struct {
	last float64
}

func (v *fakeVolume) SetVolume(val float64) { v.last = val }

type fakeUsers struct{}

func (fakeUsers) List(ctx context.Context) ([]historystore.User, error) { return nil, nil }
func (fakeUsers) Register(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error) {
	return 0, nil
}
func (fakeUsers) Login(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error) {
	return 0, nil
}

type fakeStore struct{ degraded bool }

func (s fakeStore) Degraded() bool { return s.degraded }

func newTestAPI() (*ServerInterface, *fakeQueue, *fakePlayer, *fakeGenerator, *fakeVolume) {
	q := &fakeQueue{}
	p := &fakePlayer{}
	g := &fakeGenerator{noRepSec: -1}
	vol := &fakeVolume{}
	api := New(q, p, g, &fakeTracks{}, vol, fakeUsers{}, fakeStore{}, 70)
	return api, q, p, g, vol
}

func TestNewAppliesDefaultVolume(t *testing.T) {
	api, _, _, _, vol := newTestAPI()
	if api.Volume() != 70 {
		t.Fatalf("expected volume 70, got %d", api.Volume())
	}
	if vol.last != 0.7 {
		t.Fatalf("expected output volume 0.7, got %v", vol.last)
	}
}

func TestSetVolumeClampsToRange(t *testing.T) {
	api, _, _, _, vol := newTestAPI()
	api.SetVolume(150)
	if api.Volume() != 100 || vol.last != 1.0 {
		t.Fatalf("expected clamp to 100, got %d/%v", api.Volume(), vol.last)
	}
	api.SetVolume(-5)
	if api.Volume() != 0 || vol.last != 0.0 {
		t.Fatalf("expected clamp to 0, got %d/%v", api.Volume(), vol.last)
	}
}

func TestHealthReflectsStoreDegraded(t *testing.T) {
	q, p, g := &fakeQueue{}, &fakePlayer{}, &fakeGenerator{}
	api := New(q, p, g, &fakeTracks{}, &fakeVolume{}, fakeUsers{}, fakeStore{degraded: true}, 50)
	h := api.Health(context.Background())
	if h.DatabaseOK {
		t.Fatalf("expected DatabaseOK false when store is degraded")
	}
	if !h.AudioOutputOK {
		t.Fatalf("expected AudioOutputOK true when a volume control is wired")
	}
}

func TestStatusReportsPublicModeByDefault(t *testing.T) {
	api, _, _, _, _ := newTestAPI()
	snap := api.Status()
	if !snap.PublicMode {
		t.Fatalf("expected public mode by default")
	}
}

func TestSetPersonalModeChangesStatus(t *testing.T) {
	api, _, _, g, _ := newTestAPI()
	api.SetPersonalMode(historystore.UserId(7))
	if g.userFor != 7 {
		t.Fatalf("expected generator user 7, got %d", g.userFor)
	}
	if api.Status().PublicMode {
		t.Fatalf("expected PublicMode false after SetPersonalMode")
	}
}

type fakeAuth struct{ err error }

func (a fakeAuth) AuthenticateServer(password, remoteAddr string) error { return a.err }

func TestDispatchSingleByteActionPlay(t *testing.T) {
	api, _, p, _, _ := newTestAPI()
	d := NewDispatcher(api, fakeAuth{})

	msg := protocol.SingleByteActionMsg{Code: protocol.ActionPlay}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	if p.played != 1 {
		t.Fatalf("expected Play to be called once, got %d", p.played)
	}
	typ, body, err := protocol.PeekType(reply)
	if err != nil || typ != protocol.MsgSimpleResult {
		t.Fatalf("expected SimpleResult reply, got %v err %v", typ, err)
	}
	result, err := protocol.DecodeSimpleResult(body)
	if err != nil || result.ErrorCode != uint16(apperror.NoError) {
		t.Fatalf("expected NoError result, got %+v err %v", result, err)
	}
}

func TestDispatchSetVolumeAction(t *testing.T) {
	api, _, _, _, vol := newTestAPI()
	d := NewDispatcher(api, fakeAuth{})

	msg := protocol.SingleByteActionMsg{Code: protocol.ActionForSetVolume(33)}
	_, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	if api.Volume() != 33 {
		t.Fatalf("expected volume 33, got %d", api.Volume())
	}
	if vol.last != 0.33 {
		t.Fatalf("expected output volume 0.33, got %v", vol.last)
	}
}

func TestDispatchQueueFetchRequest(t *testing.T) {
	api, q, _, _, _ := newTestAPI()
	d := NewDispatcher(api, fakeAuth{})

	h1 := fhash.FileHash{ByteLength: 1}
	h2 := fhash.FileHash{ByteLength: 2}
	id1, _ := q.Enqueue(h1)
	id2, _ := q.Enqueue(h2)

	msg := protocol.QueueFetchRequestMsg{Offset: 0, Length: 10}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	_, body, err := protocol.PeekType(reply)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	contents, err := protocol.DecodeQueueContents(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(contents.QueueIds) != 2 || contents.QueueIds[0] != uint32(id1) || contents.QueueIds[1] != uint32(id2) {
		t.Fatalf("unexpected queue contents: %+v", contents)
	}
}

func TestDispatchQueueEntryRemovalRequestUnknownId(t *testing.T) {
	api, _, _, _, _ := newTestAPI()
	d := NewDispatcher(api, fakeAuth{})

	msg := protocol.QueueEntryRemovalRequestMsg{QueueId: 404}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	_, body, _ := protocol.PeekType(reply)
	result, _ := protocol.DecodeSimpleResult(body)
	if result.ErrorCode != uint16(apperror.QueueIdNotFound) {
		t.Fatalf("expected QueueIdNotFound, got %d", result.ErrorCode)
	}
}

func TestDispatchTrackInfoRequestUnknownId(t *testing.T) {
	api, _, _, _, _ := newTestAPI()
	d := NewDispatcher(api, fakeAuth{})

	msg := protocol.TrackInfoRequestMsg{QueueId: 999}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	_, body, _ := protocol.PeekType(reply)
	info, err := protocol.DecodeTrackInfo(body)
	if err != nil || info.Status != protocol.TrackInfoStatusUnknownID {
		t.Fatalf("expected UnknownID status, got %+v err %v", info, err)
	}
}

func TestDispatchTrackInfoRequestResolvesTagsAndLength(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePlayer{}
	g := &fakeGenerator{}
	hash := fhash.FileHash{ByteLength: 42}
	tracks := &fakeTracks{
		audio: map[fhash.FileHash]*audiodata.AudioData{hash: {TrackLengthMs: 180_000}},
		tags:  map[fhash.FileHash]audiodata.TagData{hash: {Title: "Song", Artist: "Artist"}},
	}
	api := New(q, p, g, tracks, &fakeVolume{}, fakeUsers{}, fakeStore{}, 50)
	id, _ := q.Enqueue(hash)

	d := NewDispatcher(api, fakeAuth{})
	msg := protocol.TrackInfoRequestMsg{QueueId: uint32(id)}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	_, body, _ := protocol.PeekType(reply)
	info, err := protocol.DecodeTrackInfo(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Title != "Song" || info.Artist != "Artist" || info.LengthSeconds != 180 {
		t.Fatalf("unexpected track info: %+v", info)
	}
}

func TestDispatchSeekRejectsWrongQueueId(t *testing.T) {
	q := &fakeQueue{}
	current := queueitem.NewTrack(fhash.FileHash{ByteLength: 1})
	p := &fakePlayer{current: current}
	api := New(q, p, &fakeGenerator{}, &fakeTracks{}, &fakeVolume{}, fakeUsers{}, fakeStore{}, 50)
	d := NewDispatcher(api, fakeAuth{})

	msg := protocol.PlayerSeekRequestMsg{QueueId: uint32(current.QueueId) + 1, PositionMs: 1000}
	reply, ok := d.dispatch(msg.Encode())
	if !ok {
		t.Fatalf("expected dispatch to produce a reply")
	}
	_, body, _ := protocol.PeekType(reply)
	result, _ := protocol.DecodeSimpleResult(body)
	if result.ErrorCode != uint16(apperror.QueueIdNotFound) {
		t.Fatalf("expected QueueIdNotFound for mismatched seek target, got %d", result.ErrorCode)
	}
	if p.seekMs != 0 {
		t.Fatalf("expected SeekTo not to be called, got seekMs=%d", p.seekMs)
	}
}
