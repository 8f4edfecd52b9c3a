// Package protocol implements the §6.1 wire message set: a dual-mode TCP
// protocol that starts line-oriented (text commands terminated by `;`) and
// switches to a framed binary mode on request. No example repo in the
// corpus implements a length-prefixed custom binary protocol like this one
// (the pack's binary.Read/Write usages are all audio-container header
// parsing, not wire framing), so this package is built directly on
// encoding/binary — the same package those decoders already use for
// big-endian field reads, just applied to message framing instead of
// audio headers.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HandshakeMagic prefixes the 5-byte handshake sent by both sides after a
// "binary" text command switches the connection into framed binary mode.
const HandshakeMagic = "PMP"

// ProtocolVersionHi/Lo are this server's wire protocol version, sent as the
// two bytes following HandshakeMagic.
const (
	ProtocolVersionHi byte = 1
	ProtocolVersionLo byte = 0
)

// BinarySwitchCommand is the line-oriented text command that requests a
// switch to framed binary mode.
const BinarySwitchCommand = "binary"

// MessageType identifies a framed binary payload's shape.
type MessageType uint16

const (
	MsgSingleByteAction MessageType = iota + 1
	MsgTrackInfoRequest
	MsgBulkTrackInfoRequest
	MsgQueueFetchRequest
	MsgQueueEntryRemovalRequest
	MsgQueueEntryMoveRequest
	MsgPlayerSeekRequest
	MsgPlayerState
	MsgVolumeChanged
	MsgDynamicModeStatus
	MsgQueueContents
	MsgQueueEntryAdded
	MsgQueueEntryRemoved
	MsgQueueEntryMoved
	MsgTrackInfo
	MsgBulkTrackInfo
	MsgSimpleResult
)

// Action is the single-byte code carried by SingleByteAction messages (C→S).
type Action uint8

const (
	ActionPlay           Action = 1
	ActionPause          Action = 2
	ActionSkip           Action = 3
	ActionBreakAtFront   Action = 4
	ActionGetState       Action = 10
	ActionGetDynStatus   Action = 11
	ActionGetUUID        Action = 12
	ActionListUsers      Action = 13
	ActionGetMode        Action = 14
	ActionGetIndexation  Action = 15
	ActionDynEnable      Action = 20
	ActionDynDisable     Action = 21
	ActionDynExpand      Action = 22
	ActionQueueTrim      Action = 23
	ActionPublicMode     Action = 30
	ActionPersonalMode   Action = 31
	ActionFullIndexation Action = 40
	ActionStartWave      Action = 50
	ActionTerminateWave  Action = 51
	ActionShutdown       Action = 99
)

// ActionSetVolumeBase: codes 100..200 mean "set volume to code-100".
const ActionSetVolumeBase Action = 100

// VolumeFromAction extracts the requested percentage from a set-volume
// action code, and ok=false if code isn't in the set-volume range.
func VolumeFromAction(code Action) (percent int, ok bool) {
	if code < ActionSetVolumeBase || code > ActionSetVolumeBase+100 {
		return 0, false
	}
	return int(code - ActionSetVolumeBase), true
}

// ActionForSetVolume builds the wire code for a set-volume request.
func ActionForSetVolume(percent int) Action {
	return ActionSetVolumeBase + Action(percent)
}

var ErrShortPayload = errors.New("protocol: payload too short")

// TrackInfoStatus bits distinguish a TrackInfo response's subject kind.
type TrackInfoStatus uint16

const (
	TrackInfoStatusTrack     TrackInfoStatus = 1
	TrackInfoStatusBreak     TrackInfoStatus = 2
	TrackInfoStatusBarrier   TrackInfoStatus = 3
	TrackInfoStatusUnknownID TrackInfoStatus = 4
)

// --- Frame I/O -------------------------------------------------------------

// WriteFrame writes payload as a [u32 big-endian length][payload] frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one [u32 big-endian length][payload] frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return payload, nil
}

// --- Message envelope helpers -----------------------------------------------

func encodeHeader(buf *bytes.Buffer, t MessageType) {
	binary.Write(buf, binary.BigEndian, uint16(t))
}

// PeekType reads the leading u16 message type from a decoded frame payload,
// returning the remaining bytes.
func PeekType(payload []byte) (MessageType, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, ErrShortPayload
	}
	return MessageType(binary.BigEndian.Uint16(payload)), payload[2:], nil
}

// --- C->S messages -----------------------------------------------------------

// SingleByteActionMsg carries a one-byte action code.
type SingleByteActionMsg struct {
	Code Action
}

func (m SingleByteActionMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgSingleByteAction)
	buf.WriteByte(byte(m.Code))
	return buf.Bytes()
}

func DecodeSingleByteAction(body []byte) (SingleByteActionMsg, error) {
	if len(body) < 1 {
		return SingleByteActionMsg{}, ErrShortPayload
	}
	return SingleByteActionMsg{Code: Action(body[0])}, nil
}

// TrackInfoRequestMsg requests track info for one queue id.
type TrackInfoRequestMsg struct {
	QueueId uint32
}

func (m TrackInfoRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgTrackInfoRequest)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeTrackInfoRequest(body []byte) (TrackInfoRequestMsg, error) {
	if len(body) < 4 {
		return TrackInfoRequestMsg{}, ErrShortPayload
	}
	return TrackInfoRequestMsg{QueueId: binary.BigEndian.Uint32(body)}, nil
}

// BulkTrackInfoRequestMsg requests track info for several queue ids at once.
type BulkTrackInfoRequestMsg struct {
	QueueIds []uint32
}

func (m BulkTrackInfoRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgBulkTrackInfoRequest)
	for _, id := range m.QueueIds {
		binary.Write(&buf, binary.BigEndian, id)
	}
	return buf.Bytes()
}

func DecodeBulkTrackInfoRequest(body []byte) (BulkTrackInfoRequestMsg, error) {
	if len(body)%4 != 0 {
		return BulkTrackInfoRequestMsg{}, ErrShortPayload
	}
	ids := make([]uint32, 0, len(body)/4)
	for i := 0; i < len(body); i += 4 {
		ids = append(ids, binary.BigEndian.Uint32(body[i:]))
	}
	return BulkTrackInfoRequestMsg{QueueIds: ids}, nil
}

// QueueFetchRequestMsg requests a slice of the queue.
type QueueFetchRequestMsg struct {
	Offset uint32
	Length uint8
}

func (m QueueFetchRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueFetchRequest)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	buf.WriteByte(m.Length)
	return buf.Bytes()
}

func DecodeQueueFetchRequest(body []byte) (QueueFetchRequestMsg, error) {
	if len(body) < 5 {
		return QueueFetchRequestMsg{}, ErrShortPayload
	}
	return QueueFetchRequestMsg{
		Offset: binary.BigEndian.Uint32(body),
		Length: body[4],
	}, nil
}

// QueueEntryRemovalRequestMsg requests removal of one queue id.
type QueueEntryRemovalRequestMsg struct {
	QueueId uint32
}

func (m QueueEntryRemovalRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueEntryRemovalRequest)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeQueueEntryRemovalRequest(body []byte) (QueueEntryRemovalRequestMsg, error) {
	if len(body) < 4 {
		return QueueEntryRemovalRequestMsg{}, ErrShortPayload
	}
	return QueueEntryRemovalRequestMsg{QueueId: binary.BigEndian.Uint32(body)}, nil
}

// QueueEntryMoveRequestMsg requests moving a queue id by a relative offset.
type QueueEntryMoveRequestMsg struct {
	Delta   int16
	QueueId uint32
}

func (m QueueEntryMoveRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueEntryMoveRequest)
	binary.Write(&buf, binary.BigEndian, m.Delta)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeQueueEntryMoveRequest(body []byte) (QueueEntryMoveRequestMsg, error) {
	if len(body) < 6 {
		return QueueEntryMoveRequestMsg{}, ErrShortPayload
	}
	return QueueEntryMoveRequestMsg{
		Delta:   int16(binary.BigEndian.Uint16(body)),
		QueueId: binary.BigEndian.Uint32(body[2:]),
	}, nil
}

// PlayerSeekRequestMsg requests a seek, guarded by the now-playing queue id.
type PlayerSeekRequestMsg struct {
	QueueId    uint32
	PositionMs int64
}

func (m PlayerSeekRequestMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgPlayerSeekRequest)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	binary.Write(&buf, binary.BigEndian, m.PositionMs)
	return buf.Bytes()
}

func DecodePlayerSeekRequest(body []byte) (PlayerSeekRequestMsg, error) {
	if len(body) < 12 {
		return PlayerSeekRequestMsg{}, ErrShortPayload
	}
	return PlayerSeekRequestMsg{
		QueueId:    binary.BigEndian.Uint32(body),
		PositionMs: int64(binary.BigEndian.Uint64(body[4:])),
	}, nil
}

// --- S->C messages -----------------------------------------------------------

// PlayerStateMsg is sent on every player state change.
type PlayerStateMsg struct {
	State        uint8
	Volume       uint8
	QueueLength  uint32
	NowPlayingId uint32
	PositionMs   uint64
}

func (m PlayerStateMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgPlayerState)
	buf.WriteByte(m.State)
	buf.WriteByte(m.Volume)
	binary.Write(&buf, binary.BigEndian, m.QueueLength)
	binary.Write(&buf, binary.BigEndian, m.NowPlayingId)
	binary.Write(&buf, binary.BigEndian, m.PositionMs)
	return buf.Bytes()
}

func DecodePlayerState(body []byte) (PlayerStateMsg, error) {
	if len(body) < 18 {
		return PlayerStateMsg{}, ErrShortPayload
	}
	return PlayerStateMsg{
		State:        body[0],
		Volume:       body[1],
		QueueLength:  binary.BigEndian.Uint32(body[2:]),
		NowPlayingId: binary.BigEndian.Uint32(body[6:]),
		PositionMs:   binary.BigEndian.Uint64(body[10:]),
	}, nil
}

// VolumeChangedMsg reports the new output volume.
type VolumeChangedMsg struct {
	Volume uint8
}

func (m VolumeChangedMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgVolumeChanged)
	buf.WriteByte(m.Volume)
	return buf.Bytes()
}

func DecodeVolumeChanged(body []byte) (VolumeChangedMsg, error) {
	if len(body) < 1 {
		return VolumeChangedMsg{}, ErrShortPayload
	}
	return VolumeChangedMsg{Volume: body[0]}, nil
}

// DynamicModeStatusMsg reports dynamic-mode enablement and no-repetition span.
type DynamicModeStatusMsg struct {
	Enabled            bool
	NoRepetitionSeconds uint32
}

func (m DynamicModeStatusMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgDynamicModeStatus)
	if m.Enabled {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.BigEndian, m.NoRepetitionSeconds)
	return buf.Bytes()
}

func DecodeDynamicModeStatus(body []byte) (DynamicModeStatusMsg, error) {
	if len(body) < 5 {
		return DynamicModeStatusMsg{}, ErrShortPayload
	}
	return DynamicModeStatusMsg{
		Enabled:             body[0] != 0,
		NoRepetitionSeconds: binary.BigEndian.Uint32(body[1:]),
	}, nil
}

// QueueContentsMsg is a slice of queue ids starting at startOffset.
type QueueContentsMsg struct {
	QueueLength uint32
	StartOffset uint32
	QueueIds    []uint32
}

func (m QueueContentsMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueContents)
	binary.Write(&buf, binary.BigEndian, m.QueueLength)
	binary.Write(&buf, binary.BigEndian, m.StartOffset)
	for _, id := range m.QueueIds {
		binary.Write(&buf, binary.BigEndian, id)
	}
	return buf.Bytes()
}

func DecodeQueueContents(body []byte) (QueueContentsMsg, error) {
	if len(body) < 8 {
		return QueueContentsMsg{}, ErrShortPayload
	}
	rest := body[8:]
	if len(rest)%4 != 0 {
		return QueueContentsMsg{}, ErrShortPayload
	}
	ids := make([]uint32, 0, len(rest)/4)
	for i := 0; i < len(rest); i += 4 {
		ids = append(ids, binary.BigEndian.Uint32(rest[i:]))
	}
	return QueueContentsMsg{
		QueueLength: binary.BigEndian.Uint32(body),
		StartOffset: binary.BigEndian.Uint32(body[4:]),
		QueueIds:    ids,
	}, nil
}

// QueueEntryAddedMsg/RemovedMsg/MovedMsg mirror §4.3's entryAdded/
// entryRemoved/entryMoved events.
type QueueEntryAddedMsg struct {
	Offset  uint32
	QueueId uint32
}

func (m QueueEntryAddedMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueEntryAdded)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeQueueEntryAdded(body []byte) (QueueEntryAddedMsg, error) {
	if len(body) < 8 {
		return QueueEntryAddedMsg{}, ErrShortPayload
	}
	return QueueEntryAddedMsg{
		Offset:  binary.BigEndian.Uint32(body),
		QueueId: binary.BigEndian.Uint32(body[4:]),
	}, nil
}

type QueueEntryRemovedMsg struct {
	Offset  uint32
	QueueId uint32
}

func (m QueueEntryRemovedMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueEntryRemoved)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeQueueEntryRemoved(body []byte) (QueueEntryRemovedMsg, error) {
	if len(body) < 8 {
		return QueueEntryRemovedMsg{}, ErrShortPayload
	}
	return QueueEntryRemovedMsg{
		Offset:  binary.BigEndian.Uint32(body),
		QueueId: binary.BigEndian.Uint32(body[4:]),
	}, nil
}

type QueueEntryMovedMsg struct {
	FromOffset uint32
	ToOffset   uint32
	QueueId    uint32
}

func (m QueueEntryMovedMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgQueueEntryMoved)
	binary.Write(&buf, binary.BigEndian, m.FromOffset)
	binary.Write(&buf, binary.BigEndian, m.ToOffset)
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	return buf.Bytes()
}

func DecodeQueueEntryMoved(body []byte) (QueueEntryMovedMsg, error) {
	if len(body) < 12 {
		return QueueEntryMovedMsg{}, ErrShortPayload
	}
	return QueueEntryMovedMsg{
		FromOffset: binary.BigEndian.Uint32(body),
		ToOffset:   binary.BigEndian.Uint32(body[4:]),
		QueueId:    binary.BigEndian.Uint32(body[8:]),
	}, nil
}

// TrackInfoMsg answers a TrackInfoRequest.
type TrackInfoMsg struct {
	Status        TrackInfoStatus
	QueueId       uint32
	LengthSeconds int32
	Title         string
	Artist        string
}

func (m TrackInfoMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgTrackInfo)
	binary.Write(&buf, binary.BigEndian, uint16(m.Status))
	binary.Write(&buf, binary.BigEndian, m.QueueId)
	binary.Write(&buf, binary.BigEndian, m.LengthSeconds)
	title := []byte(m.Title)
	artist := []byte(m.Artist)
	binary.Write(&buf, binary.BigEndian, uint16(len(title)))
	binary.Write(&buf, binary.BigEndian, uint16(len(artist)))
	buf.Write(title)
	buf.Write(artist)
	return buf.Bytes()
}

func DecodeTrackInfo(body []byte) (TrackInfoMsg, error) {
	if len(body) < 14 {
		return TrackInfoMsg{}, ErrShortPayload
	}
	status := TrackInfoStatus(binary.BigEndian.Uint16(body))
	queueId := binary.BigEndian.Uint32(body[2:])
	lengthSeconds := int32(binary.BigEndian.Uint32(body[6:]))
	titleLen := int(binary.BigEndian.Uint16(body[10:]))
	artistLen := int(binary.BigEndian.Uint16(body[12:]))
	rest := body[14:]
	if len(rest) < titleLen+artistLen {
		return TrackInfoMsg{}, ErrShortPayload
	}
	return TrackInfoMsg{
		Status:        status,
		QueueId:       queueId,
		LengthSeconds: lengthSeconds,
		Title:         string(rest[:titleLen]),
		Artist:        string(rest[titleLen : titleLen+artistLen]),
	}, nil
}

// BulkTrackInfoMsg batches several TrackInfo-shaped records (minus the
// message header each would otherwise carry).
type BulkTrackInfoMsg struct {
	Tracks []TrackInfoMsg
}

func (m BulkTrackInfoMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgBulkTrackInfo)
	binary.Write(&buf, binary.BigEndian, uint16(len(m.Tracks)))
	for _, t := range m.Tracks {
		binary.Write(&buf, binary.BigEndian, uint16(t.Status))
		binary.Write(&buf, binary.BigEndian, t.QueueId)
		binary.Write(&buf, binary.BigEndian, t.LengthSeconds)
		title := []byte(t.Title)
		artist := []byte(t.Artist)
		binary.Write(&buf, binary.BigEndian, uint16(len(title)))
		binary.Write(&buf, binary.BigEndian, uint16(len(artist)))
		buf.Write(title)
		buf.Write(artist)
	}
	return buf.Bytes()
}

func DecodeBulkTrackInfo(body []byte) (BulkTrackInfoMsg, error) {
	if len(body) < 2 {
		return BulkTrackInfoMsg{}, ErrShortPayload
	}
	count := int(binary.BigEndian.Uint16(body))
	rest := body[2:]
	tracks := make([]TrackInfoMsg, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 14 {
			return BulkTrackInfoMsg{}, ErrShortPayload
		}
		status := TrackInfoStatus(binary.BigEndian.Uint16(rest))
		queueId := binary.BigEndian.Uint32(rest[2:])
		lengthSeconds := int32(binary.BigEndian.Uint32(rest[6:]))
		titleLen := int(binary.BigEndian.Uint16(rest[10:]))
		artistLen := int(binary.BigEndian.Uint16(rest[12:]))
		rest = rest[14:]
		if len(rest) < titleLen+artistLen {
			return BulkTrackInfoMsg{}, ErrShortPayload
		}
		tracks = append(tracks, TrackInfoMsg{
			Status:        status,
			QueueId:       queueId,
			LengthSeconds: lengthSeconds,
			Title:         string(rest[:titleLen]),
			Artist:        string(rest[titleLen : titleLen+artistLen]),
		})
		rest = rest[titleLen+artistLen:]
	}
	return BulkTrackInfoMsg{Tracks: tracks}, nil
}

// SimpleResultMsg answers any request that carried a client reference.
type SimpleResultMsg struct {
	ErrorCode       uint16
	ClientReference uint32
	IntData         uint32
	Blob            []byte
}

func (m SimpleResultMsg) Encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, MsgSimpleResult)
	binary.Write(&buf, binary.BigEndian, m.ErrorCode)
	binary.Write(&buf, binary.BigEndian, m.ClientReference)
	binary.Write(&buf, binary.BigEndian, m.IntData)
	buf.Write(m.Blob)
	return buf.Bytes()
}

func DecodeSimpleResult(body []byte) (SimpleResultMsg, error) {
	if len(body) < 10 {
		return SimpleResultMsg{}, ErrShortPayload
	}
	return SimpleResultMsg{
		ErrorCode:       binary.BigEndian.Uint16(body),
		ClientReference: binary.BigEndian.Uint32(body[2:]),
		IntData:         binary.BigEndian.Uint32(body[6:]),
		Blob:            append([]byte(nil), body[10:]...),
	}, nil
}
