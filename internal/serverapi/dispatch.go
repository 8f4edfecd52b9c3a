package serverapi

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/protocol"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
	"github.com/arung-agamani/pmpserver/internal/tcpserver"
)

// connState holds per-connection state the dispatcher needs across messages:
// which hash registry id a queue item's u32 queue id maps back to isn't
// needed (queueitem.Item.QueueId is already uint64, truncated to uint32 on
// the wire per §6.1), but login state is connection-scoped.
type connState struct {
	authenticated bool
}

// Dispatcher implements tcpserver.ConnHandler, translating §6.1 wire
// messages into ServerInterface calls and back into response frames. The
// line-mode preamble handles the server password login and the "binary"
// mode switch; everything after that is framed binary dispatch.
type Dispatcher struct {
	api  *ServerInterface
	auth Authenticator
}

// Authenticator validates the fixed server password during the line-mode
// login preamble. internal/auth.Auth satisfies this.
type Authenticator interface {
	AuthenticateServer(password, remoteAddr string) error
}

// NewDispatcher builds a Dispatcher over api, authenticating connections via
// auth.
func NewDispatcher(api *ServerInterface, auth Authenticator) *Dispatcher {
	return &Dispatcher{api: api, auth: auth}
}

// HandleConnection drives one connection's full lifecycle: line-mode login
// and binary switch, then binary message dispatch until the connection
// closes or ctx is cancelled.
func (d *Dispatcher) HandleConnection(ctx context.Context, conn *tcpserver.Conn) {
	state := &connState{}

	for !state.authenticated {
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		if err := d.handleLoginLine(conn, state, line); err != nil {
			return
		}
	}

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) != protocol.BinarySwitchCommand {
			continue
		}
		if err := conn.SwitchToBinary(); err != nil {
			return
		}
		break
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := conn.ReadFrame()
		if err != nil {
			return
		}
		reply, ok := d.dispatch(payload)
		if !ok {
			continue
		}
		if err := conn.WriteFrame(reply); err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleLoginLine(conn *tcpserver.Conn, state *connState, line string) error {
	password := strings.TrimPrefix(strings.TrimSpace(line), "login ")
	if err := d.auth.AuthenticateServer(password, conn.RemoteAddr().String()); err != nil {
		conn.WriteLine("error")
		return err
	}
	state.authenticated = true
	conn.WriteLine("ok")
	return nil
}

// dispatch decodes one framed message and returns the encoded response, or
// ok=false if the message type is unrecognized (logged and dropped rather
// than tearing down the connection).
func (d *Dispatcher) dispatch(payload []byte) (reply []byte, ok bool) {
	msgType, body, err := protocol.PeekType(payload)
	if err != nil {
		return nil, false
	}

	switch msgType {
	case protocol.MsgSingleByteAction:
		msg, err := protocol.DecodeSingleByteAction(body)
		if err != nil {
			return nil, false
		}
		return d.handleAction(msg.Code).Encode(), true

	case protocol.MsgTrackInfoRequest:
		msg, err := protocol.DecodeTrackInfoRequest(body)
		if err != nil {
			return nil, false
		}
		return d.trackInfoFor(msg.QueueId).Encode(), true

	case protocol.MsgBulkTrackInfoRequest:
		msg, err := protocol.DecodeBulkTrackInfoRequest(body)
		if err != nil {
			return nil, false
		}
		tracks := make([]protocol.TrackInfoMsg, 0, len(msg.QueueIds))
		for _, id := range msg.QueueIds {
			tracks = append(tracks, d.trackInfoFor(id))
		}
		return protocol.BulkTrackInfoMsg{Tracks: tracks}.Encode(), true

	case protocol.MsgQueueFetchRequest:
		msg, err := protocol.DecodeQueueFetchRequest(body)
		if err != nil {
			return nil, false
		}
		items := d.api.Queue().Entries(int(msg.Offset), int(msg.Length))
		ids := make([]uint32, len(items))
		for i, it := range items {
			ids[i] = uint32(it.QueueId)
		}
		return protocol.QueueContentsMsg{
			QueueLength: uint32(d.api.Queue().Len()),
			StartOffset: msg.Offset,
			QueueIds:    ids,
		}.Encode(), true

	case protocol.MsgQueueEntryRemovalRequest:
		msg, err := protocol.DecodeQueueEntryRemovalRequest(body)
		if err != nil {
			return nil, false
		}
		appErr := d.api.Queue().Remove(uint64(msg.QueueId))
		return simpleResult(appErr).Encode(), true

	case protocol.MsgQueueEntryMoveRequest:
		msg, err := protocol.DecodeQueueEntryMoveRequest(body)
		if err != nil {
			return nil, false
		}
		appErr := d.api.Queue().MoveById(uint64(msg.QueueId), int(msg.Delta))
		return simpleResult(appErr).Encode(), true

	case protocol.MsgPlayerSeekRequest:
		msg, err := protocol.DecodePlayerSeekRequest(body)
		if err != nil {
			return nil, false
		}
		appErr := d.handleSeek(msg)
		return simpleResult(appErr).Encode(), true

	default:
		slog.Debug("serverapi: unhandled message type", "type", msgType)
		return nil, false
	}
}

func (d *Dispatcher) handleSeek(msg protocol.PlayerSeekRequestMsg) *apperror.Error {
	current := d.api.Player().Current()
	if current == nil || uint32(current.QueueId) != msg.QueueId {
		return apperror.New(apperror.QueueIdNotFound, "seek target is not the now-playing track")
	}
	return d.api.Player().SeekTo(msg.PositionMs)
}

// handleAction executes a SingleByteAction and always answers with a
// SimpleResult, even for actions whose real effect is a separate
// notification (PlayerState/VolumeChanged/...) pushed asynchronously by
// whatever wires Queue/Player listeners to broadcast frames across
// connections; that fan-out lives above this package, in the process
// wiring (cmd/pmpserver), since it must reach every connected client, not
// just the one that issued the action.
func (d *Dispatcher) handleAction(code protocol.Action) protocol.SimpleResultMsg {
	if percent, ok := protocol.VolumeFromAction(code); ok {
		d.api.SetVolume(percent)
		return simpleResult(nil)
	}

	switch code {
	case protocol.ActionPlay:
		d.api.Player().Play()
	case protocol.ActionPause:
		d.api.Player().Pause()
	case protocol.ActionSkip:
		d.api.Player().Skip()
	case protocol.ActionBreakAtFront:
		_, err := d.api.Queue().InsertBreakAtFront()
		return simpleResult(err)
	case protocol.ActionDynEnable:
		d.api.Generator().Enable()
	case protocol.ActionDynDisable:
		d.api.Generator().Disable()
	case protocol.ActionQueueTrim:
		d.api.Queue().Trim(0)
	case protocol.ActionPublicMode:
		d.api.SetPublicMode()
	case protocol.ActionPersonalMode:
		// Personal mode without an explicit user id is a no-op here; a real
		// client selects the user via the login identity, which the
		// connection-scoped dispatcher doesn't currently carry through to
		// SetPersonalMode.
	case protocol.ActionStartWave:
		if !d.api.StartWave() {
			return protocol.SimpleResultMsg{ErrorCode: uint16(apperror.OperationAlreadyRunning)}
		}
	case protocol.ActionTerminateWave:
		d.api.TerminateWave()
	case protocol.ActionGetState, protocol.ActionGetDynStatus, protocol.ActionGetUUID,
		protocol.ActionListUsers, protocol.ActionGetMode, protocol.ActionGetIndexation,
		protocol.ActionDynExpand, protocol.ActionFullIndexation, protocol.ActionShutdown:
		// Read-only / out-of-band actions: answered via their own polling
		// path (Status()) or not yet wired to a side effect here.
	default:
		return protocol.SimpleResultMsg{ErrorCode: uint16(apperror.UnknownError)}
	}
	return simpleResult(nil)
}

func (d *Dispatcher) trackInfoFor(queueId uint32) protocol.TrackInfoMsg {
	it := d.api.Queue().Lookup(uint64(queueId))
	if it == nil {
		if current := d.api.Player().Current(); current != nil && uint32(current.QueueId) == queueId {
			it = current
		}
	}
	if it == nil {
		return protocol.TrackInfoMsg{Status: protocol.TrackInfoStatusUnknownID, QueueId: queueId}
	}

	switch it.Kind {
	case queueitem.KindBreak:
		return protocol.TrackInfoMsg{Status: protocol.TrackInfoStatusBreak, QueueId: queueId}
	case queueitem.KindBarrier:
		return protocol.TrackInfoMsg{Status: protocol.TrackInfoStatusBarrier, QueueId: queueId}
	}

	msg := protocol.TrackInfoMsg{Status: protocol.TrackInfoStatusTrack, QueueId: queueId}
	if audio, ok := d.api.Tracks().AudioDataFor(it.Hash); ok {
		msg.LengthSeconds = int32(audio.TrackLengthMs / 1000)
	}
	if tags, ok := d.api.Tracks().TagsFor(it.Hash); ok {
		msg.Title = tags.Title
		msg.Artist = tags.Artist
	}
	return msg
}

func simpleResult(err *apperror.Error) protocol.SimpleResultMsg {
	if err == nil {
		return protocol.SimpleResultMsg{ErrorCode: uint16(apperror.NoError)}
	}
	return protocol.SimpleResultMsg{ErrorCode: uint16(err.Kind)}
}
