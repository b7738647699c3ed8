package protocol

import (
	"fmt"

	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/protoerr"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
	"github.com/hyperquantum/pmp/internal/pmp/wire"
)

// ProtocolVersion13 is the version at which TrackInfo switched from i32
// seconds to i64 milliseconds for track length.
const ProtocolVersion13 = 13

// ProtocolVersion20 is the version at which PlayerState gained the
// delayed-start top bit.
const ProtocolVersion20 = 20

// PlayerStateMessage reports the current playback state, volume, queue
// length, current queue entry, and playback position.
type PlayerStateMessage struct {
	State            PlayerState
	DelayedStart     bool
	Volume           uint8
	QueueLength      uint32
	CurrentQueueID   uint32
	PositionMillis   int64
}

// Encode serializes m as an 18-byte PlayerState payload (20 bytes once
// callers prepend the 2-byte message type via wire.EncodeStandardType).
func (m PlayerStateMessage) Encode() []byte {
	b := wire.NewBuilder(19)
	b.U8(EncodePlayerState(m.State, m.DelayedStart))
	b.U8(m.Volume)
	b.U32(m.QueueLength)
	b.U32(m.CurrentQueueID)
	b.I64(m.PositionMillis)
	return b.Bytes()
}

// DecodePlayerStateMessage parses a PlayerStateMessage payload.
func DecodePlayerStateMessage(payload []byte) (PlayerStateMessage, error) {
	c := wire.NewCursor(payload)
	stateByte, err := c.U8()
	if err != nil {
		return PlayerStateMessage{}, err
	}
	volume, err := c.U8()
	if err != nil {
		return PlayerStateMessage{}, err
	}
	queueLen, err := c.U32()
	if err != nil {
		return PlayerStateMessage{}, err
	}
	currentQueueID, err := c.U32()
	if err != nil {
		return PlayerStateMessage{}, err
	}
	position, err := c.I64()
	if err != nil {
		return PlayerStateMessage{}, err
	}
	state, delayedStart := DecodePlayerState(stateByte)
	return PlayerStateMessage{
		State:          state,
		DelayedStart:   delayedStart,
		Volume:         volume,
		QueueLength:    queueLen,
		CurrentQueueID: currentQueueID,
		PositionMillis: position,
	}, nil
}

// VolumeChangedMessage carries a single new volume value. Values above 100
// are silently dropped by the receiver, not rejected as a frame error.
type VolumeChangedMessage struct {
	Volume uint8
}

func (m VolumeChangedMessage) Encode() []byte {
	return wire.NewBuilder(1).U8(m.Volume).Bytes()
}

func DecodeVolumeChangedMessage(payload []byte) (VolumeChangedMessage, error) {
	c := wire.NewCursor(payload)
	v, err := c.U8()
	if err != nil {
		return VolumeChangedMessage{}, err
	}
	return VolumeChangedMessage{Volume: v}, nil
}

// IsApplicable reports whether the volume value should be applied (the
// spec requires silently dropping out-of-range values rather than
// rejecting the frame).
func (m VolumeChangedMessage) IsApplicable() bool { return m.Volume <= 100 }

// TrackInfoMessage describes one queue entry, real track or pseudo.
type TrackInfoMessage struct {
	QueueID       uint32
	Status        QueueItemStatus
	Hash          hashid.FileHash
	Title         string
	Artist        string
	LengthMillis  int64
}

// Encode serializes m using the wire shape for protocolVersion: versions
// >= 13 use an i64 millisecond length; earlier versions use an i32 second
// count (m.LengthMillis / 1000).
func (m TrackInfoMessage) Encode(protocolVersion int) []byte {
	title, artist := m.Title, m.Artist
	if m.Status.IsPseudoTrack() {
		title, artist = pseudoTrackLabels(m.Status)
	}

	b := wire.NewBuilder(64)
	b.U32(m.QueueID)
	b.U16(uint16(m.Status))
	b.FileHash(m.Hash)
	b.String16(title)
	b.String16(artist)
	if protocolVersion >= ProtocolVersion13 {
		b.I64(m.LengthMillis)
	} else {
		b.U32(uint32(m.LengthMillis / 1000))
	}
	return b.Bytes()
}

func DecodeTrackInfoMessage(payload []byte, protocolVersion int) (TrackInfoMessage, error) {
	c := wire.NewCursor(payload)
	queueID, err := c.U32()
	if err != nil {
		return TrackInfoMessage{}, err
	}
	statusRaw, err := c.U16()
	if err != nil {
		return TrackInfoMessage{}, err
	}
	hash, err := c.FileHash()
	if err != nil {
		return TrackInfoMessage{}, err
	}
	title, err := c.String16()
	if err != nil {
		return TrackInfoMessage{}, err
	}
	artist, err := c.String16()
	if err != nil {
		return TrackInfoMessage{}, err
	}
	var lengthMillis int64
	if protocolVersion >= ProtocolVersion13 {
		lengthMillis, err = c.I64()
	} else {
		var secs uint32
		secs, err = c.U32()
		lengthMillis = int64(secs) * 1000
	}
	if err != nil {
		return TrackInfoMessage{}, err
	}
	return TrackInfoMessage{
		QueueID:      queueID,
		Status:       QueueItemStatus(statusRaw),
		Hash:         hash,
		Title:        title,
		Artist:       artist,
		LengthMillis: lengthMillis,
	}, nil
}

func pseudoTrackLabels(status QueueItemStatus) (title, artist string) {
	switch status {
	case QueueItemStatusBreak:
		return "(break)", ""
	case QueueItemStatusBarrier:
		return "(barrier)", ""
	default:
		return "(unknown)", ""
	}
}

// BulkTrackInfoMessage packs several TrackInfoMessages: a count, then that
// many status words (padded to an even count), then that many records.
type BulkTrackInfoMessage struct {
	Entries []TrackInfoMessage
}

func (m BulkTrackInfoMessage) Encode(protocolVersion int) []byte {
	count := len(m.Entries)
	b := wire.NewBuilder(4 + count*2 + count*64)
	b.U16(uint16(count))
	for _, e := range m.Entries {
		b.U16(uint16(e.Status))
	}
	if count%2 != 0 {
		b.U16(0) // padding status word for odd counts
	}
	for _, e := range m.Entries {
		b.Raw(e.Encode(protocolVersion))
	}
	return b.Bytes()
}

func DecodeBulkTrackInfoMessage(payload []byte, protocolVersion int) (BulkTrackInfoMessage, error) {
	c := wire.NewCursor(payload)
	count, err := c.U16()
	if err != nil {
		return BulkTrackInfoMessage{}, err
	}
	n := int(count)
	statuses := make([]QueueItemStatus, n)
	for i := 0; i < n; i++ {
		s, err := c.U16()
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		statuses[i] = QueueItemStatus(s)
	}
	if n%2 != 0 {
		if _, err := c.U16(); err != nil {
			return BulkTrackInfoMessage{}, err
		}
	}

	entries := make([]TrackInfoMessage, n)
	for i := 0; i < n; i++ {
		queueID, err := c.U32()
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		// Each record repeats its status word; the leading status list wins.
		if _, err := c.U16(); err != nil {
			return BulkTrackInfoMessage{}, err
		}
		hash, err := c.FileHash()
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		title, err := c.String16()
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		artist, err := c.String16()
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		var lengthMillis int64
		if protocolVersion >= ProtocolVersion13 {
			lengthMillis, err = c.I64()
		} else {
			var secs uint32
			secs, err = c.U32()
			lengthMillis = int64(secs) * 1000
		}
		if err != nil {
			return BulkTrackInfoMessage{}, err
		}
		entries[i] = TrackInfoMessage{
			QueueID:      queueID,
			Status:       statuses[i],
			Hash:         hash,
			Title:        title,
			Artist:       artist,
			LengthMillis: lengthMillis,
		}
	}
	return BulkTrackInfoMessage{Entries: entries}, nil
}

// QueueEntryAdditionConfirmationMessage echoes the client_ref of an insert
// request with the server-resolved index and assigned queue id.
type QueueEntryAdditionConfirmationMessage struct {
	ClientRef uint32
	Index     uint32
	QueueID   uint32
}

func (m QueueEntryAdditionConfirmationMessage) Encode() []byte {
	return wire.NewBuilder(12).U32(m.ClientRef).U32(m.Index).U32(m.QueueID).Bytes()
}

func DecodeQueueEntryAdditionConfirmationMessage(payload []byte) (QueueEntryAdditionConfirmationMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return QueueEntryAdditionConfirmationMessage{}, err
	}
	index, err := c.U32()
	if err != nil {
		return QueueEntryAdditionConfirmationMessage{}, err
	}
	queueID, err := c.U32()
	if err != nil {
		return QueueEntryAdditionConfirmationMessage{}, err
	}
	return QueueEntryAdditionConfirmationMessage{ClientRef: ref, Index: index, QueueID: queueID}, nil
}

// SimpleResultMessage is the generic (error_code, int_data, blob_data)
// reply echoing a client_ref.
type SimpleResultMessage struct {
	ClientRef uint32
	ErrorCode protoerr.Code
	IntData   uint32
	BlobData  []byte
}

func (m SimpleResultMessage) Encode() []byte {
	b := wire.NewBuilder(14 + len(m.BlobData))
	b.U32(m.ClientRef)
	b.U16(uint16(m.ErrorCode))
	b.U32(m.IntData)
	b.U32(uint32(len(m.BlobData)))
	b.Raw(m.BlobData)
	return b.Bytes()
}

func DecodeSimpleResultMessage(payload []byte) (SimpleResultMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return SimpleResultMessage{}, err
	}
	codeRaw, err := c.U16()
	if err != nil {
		return SimpleResultMessage{}, err
	}
	intData, err := c.U32()
	if err != nil {
		return SimpleResultMessage{}, err
	}
	blobLen, err := c.U32()
	if err != nil {
		return SimpleResultMessage{}, err
	}
	blob, err := c.Bytes(int(blobLen))
	if err != nil {
		return SimpleResultMessage{}, err
	}
	return SimpleResultMessage{ClientRef: ref, ErrorCode: protoerr.Code(codeRaw), IntData: intData, BlobData: blob}, nil
}

// HistoryFragmentRecord is one fixed-width history record as carried on
// the wire (see protocol.HistoryFragmentMessage).
type HistoryFragmentRecord struct {
	ID              uint32
	HashID          uint32
	UserID          uint32
	StartedAtMillis int64
	EndedAtMillis   int64
	Permillage      uint16
	ValidForScoring bool
}

// HistoryFragmentMessage carries a batch of history records plus the
// cursor clients use to resume a paged fetch.
type HistoryFragmentMessage struct {
	Records    []HistoryFragmentRecord
	NextStartID uint32
}

func (m HistoryFragmentMessage) Encode() []byte {
	b := wire.NewBuilder(4 + len(m.Records)*29 + 4)
	b.U32(uint32(len(m.Records)))
	for _, r := range m.Records {
		b.U32(r.ID)
		b.U32(r.HashID)
		b.U32(r.UserID)
		b.I64(r.StartedAtMillis)
		b.I64(r.EndedAtMillis)
		b.U16(r.Permillage)
		validByte := uint8(0)
		if r.ValidForScoring {
			validByte = 1
		}
		b.U8(validByte)
	}
	b.U32(m.NextStartID)
	return b.Bytes()
}

func DecodeHistoryFragmentMessage(payload []byte) (HistoryFragmentMessage, error) {
	c := wire.NewCursor(payload)
	count, err := c.U32()
	if err != nil {
		return HistoryFragmentMessage{}, err
	}
	records := make([]HistoryFragmentRecord, count)
	for i := range records {
		var r HistoryFragmentRecord
		if r.ID, err = c.U32(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		if r.HashID, err = c.U32(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		if r.UserID, err = c.U32(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		if r.StartedAtMillis, err = c.I64(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		if r.EndedAtMillis, err = c.I64(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		if r.Permillage, err = c.U16(); err != nil {
			return HistoryFragmentMessage{}, err
		}
		validByte, err := c.U8()
		if err != nil {
			return HistoryFragmentMessage{}, err
		}
		r.ValidForScoring = validByte != 0
		records[i] = r
	}
	nextStart, err := c.U32()
	if err != nil {
		return HistoryFragmentMessage{}, err
	}
	return HistoryFragmentMessage{Records: records, NextStartID: nextStart}, nil
}

// ServerEventNotificationMessage is a 2-byte (event_code, arg) pair.
type ServerEventNotificationMessage struct {
	Event ServerEventCode
	Arg   uint8
}

func (m ServerEventNotificationMessage) Encode() []byte {
	return wire.NewBuilder(2).U8(uint8(m.Event)).U8(m.Arg).Bytes()
}

func DecodeServerEventNotificationMessage(payload []byte) (ServerEventNotificationMessage, error) {
	c := wire.NewCursor(payload)
	event, err := c.U8()
	if err != nil {
		return ServerEventNotificationMessage{}, err
	}
	arg, err := c.U8()
	if err != nil {
		return ServerEventNotificationMessage{}, err
	}
	return ServerEventNotificationMessage{Event: ServerEventCode(event), Arg: arg}, nil
}

// ServerExtensionsMessage announces the extensions this peer supports.
type ServerExtensionsMessage struct {
	Extensions []handshakeExtension
}

// handshakeExtension mirrors handshake.Extension's wire shape without
// importing the handshake package (extensions are announced both during
// the handshake and, per spec §4.3, as an ordinary standard message).
type handshakeExtension struct {
	ID      uint8
	Version uint8
	Name    string
}

func (m ServerExtensionsMessage) Encode() ([]byte, error) {
	seenIDs := make(map[uint8]bool, len(m.Extensions))
	seenNames := make(map[string]bool, len(m.Extensions))
	b := wire.NewBuilder(3 + len(m.Extensions)*8)
	b.U16(uint16(len(m.Extensions)))
	for _, e := range m.Extensions {
		if seenIDs[e.ID] {
			return nil, fmt.Errorf("duplicate extension id %d", e.ID)
		}
		if seenNames[e.Name] {
			return nil, fmt.Errorf("duplicate extension name %q", e.Name)
		}
		seenIDs[e.ID] = true
		seenNames[e.Name] = true
		b.U8(e.ID)
		b.U8(e.Version)
		b.String8(e.Name)
	}
	return b.Bytes(), nil
}

func DecodeServerExtensionsMessage(payload []byte) (ServerExtensionsMessage, error) {
	c := wire.NewCursor(payload)
	count, err := c.U16()
	if err != nil {
		return ServerExtensionsMessage{}, err
	}
	exts := make([]handshakeExtension, count)
	seenIDs := make(map[uint8]bool, count)
	seenNames := make(map[string]bool, count)
	for i := range exts {
		id, err := c.U8()
		if err != nil {
			return ServerExtensionsMessage{}, err
		}
		version, err := c.U8()
		if err != nil {
			return ServerExtensionsMessage{}, err
		}
		name, err := c.String8()
		if err != nil {
			return ServerExtensionsMessage{}, err
		}
		if seenIDs[id] {
			return ServerExtensionsMessage{}, fmt.Errorf("duplicate extension id %d", id)
		}
		if seenNames[name] {
			return ServerExtensionsMessage{}, fmt.Errorf("duplicate extension name %q", name)
		}
		seenIDs[id] = true
		seenNames[name] = true
		exts[i] = handshakeExtension{ID: id, Version: version, Name: name}
	}
	return ServerExtensionsMessage{Extensions: exts}, nil
}

// --- Client -> server requests ---

// LoginMessage authenticates a session. Password is the client-side salted
// hash, not a plaintext password (spec §3 User).
type LoginMessage struct {
	ClientRef uint32
	Login     string
	Password  []byte
}

func (m LoginMessage) Encode() []byte {
	b := wire.NewBuilder(8 + len(m.Login) + len(m.Password))
	b.U32(m.ClientRef)
	b.String16(m.Login)
	b.U16(uint16(len(m.Password)))
	b.Raw(m.Password)
	return b.Bytes()
}

func DecodeLoginMessage(payload []byte) (LoginMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return LoginMessage{}, err
	}
	login, err := c.String16()
	if err != nil {
		return LoginMessage{}, err
	}
	pwLen, err := c.U16()
	if err != nil {
		return LoginMessage{}, err
	}
	pw, err := c.Bytes(int(pwLen))
	if err != nil {
		return LoginMessage{}, err
	}
	return LoginMessage{ClientRef: ref, Login: login, Password: pw}, nil
}

// InsertHashMessage requests a real track be inserted into the queue.
// InsertAtFront variants (ClientMsgInsertHashAtFront) ignore Index/IndexType.
type InsertHashMessage struct {
	ClientRef uint32
	Hash      hashid.FileHash
	IndexType queue.IndexType
	Index     int32
}

func (m InsertHashMessage) Encode() []byte {
	b := wire.NewBuilder(4 + wire.FileHashByteCount + 5)
	b.U32(m.ClientRef)
	b.FileHash(m.Hash)
	b.U8(uint8(m.IndexType))
	b.U32(uint32(m.Index))
	return b.Bytes()
}

func DecodeInsertHashMessage(payload []byte) (InsertHashMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return InsertHashMessage{}, err
	}
	hash, err := c.FileHash()
	if err != nil {
		return InsertHashMessage{}, err
	}
	indexType, err := c.U8()
	if err != nil {
		return InsertHashMessage{}, err
	}
	index, err := c.U32()
	if err != nil {
		return InsertHashMessage{}, err
	}
	return InsertHashMessage{
		ClientRef: ref,
		Hash:      hash,
		IndexType: queue.IndexType(indexType),
		Index:     int32(index),
	}, nil
}

// InsertHashAtFrontMessage requests a real track be inserted at the head
// of the queue, bypassing index resolution entirely.
type InsertHashAtFrontMessage struct {
	ClientRef uint32
	Hash      hashid.FileHash
}

func (m InsertHashAtFrontMessage) Encode() []byte {
	b := wire.NewBuilder(4 + wire.FileHashByteCount)
	b.U32(m.ClientRef)
	b.FileHash(m.Hash)
	return b.Bytes()
}

func DecodeInsertHashAtFrontMessage(payload []byte) (InsertHashAtFrontMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return InsertHashAtFrontMessage{}, err
	}
	hash, err := c.FileHash()
	if err != nil {
		return InsertHashAtFrontMessage{}, err
	}
	return InsertHashAtFrontMessage{ClientRef: ref, Hash: hash}, nil
}

// RemoveQueueEntryMessage requests removal of one queue entry by id.
type RemoveQueueEntryMessage struct {
	ClientRef uint32
	QueueID   uint32
}

func (m RemoveQueueEntryMessage) Encode() []byte {
	return wire.NewBuilder(8).U32(m.ClientRef).U32(m.QueueID).Bytes()
}

func DecodeRemoveQueueEntryMessage(payload []byte) (RemoveQueueEntryMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return RemoveQueueEntryMessage{}, err
	}
	queueID, err := c.U32()
	if err != nil {
		return RemoveQueueEntryMessage{}, err
	}
	return RemoveQueueEntryMessage{ClientRef: ref, QueueID: queueID}, nil
}

// MoveQueueEntryMessage requests a relative repositioning of one entry.
type MoveQueueEntryMessage struct {
	ClientRef uint32
	QueueID   uint32
	Delta     int32
}

func (m MoveQueueEntryMessage) Encode() []byte {
	b := wire.NewBuilder(12)
	b.U32(m.ClientRef)
	b.U32(m.QueueID)
	b.U32(uint32(m.Delta))
	return b.Bytes()
}

func DecodeMoveQueueEntryMessage(payload []byte) (MoveQueueEntryMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return MoveQueueEntryMessage{}, err
	}
	queueID, err := c.U32()
	if err != nil {
		return MoveQueueEntryMessage{}, err
	}
	delta, err := c.U32()
	if err != nil {
		return MoveQueueEntryMessage{}, err
	}
	return MoveQueueEntryMessage{ClientRef: ref, QueueID: queueID, Delta: int32(delta)}, nil
}

// SetVolumeMessage requests a new output volume. No client_ref: the server
// confirms the change via a broadcast VolumeChangedMessage, not a reply.
type SetVolumeMessage struct {
	Volume uint8
}

func (m SetVolumeMessage) Encode() []byte {
	return wire.NewBuilder(1).U8(m.Volume).Bytes()
}

func DecodeSetVolumeMessage(payload []byte) (SetVolumeMessage, error) {
	c := wire.NewCursor(payload)
	v, err := c.U8()
	if err != nil {
		return SetVolumeMessage{}, err
	}
	return SetVolumeMessage{Volume: v}, nil
}

// PlaybackCommandMessage is the shared empty-payload shape of Play, Pause
// and Skip (the message type alone distinguishes which command it is).
type PlaybackCommandMessage struct{}

func (m PlaybackCommandMessage) Encode() []byte { return nil }

func DecodePlaybackCommandMessage(payload []byte) (PlaybackCommandMessage, error) {
	if len(payload) != 0 {
		return PlaybackCommandMessage{}, fmt.Errorf("playback command expects an empty payload, got %d bytes", len(payload))
	}
	return PlaybackCommandMessage{}, nil
}

// GetHistoryFragmentMessage requests history records with ids after
// StartID, up to Limit records.
type GetHistoryFragmentMessage struct {
	ClientRef uint32
	StartID   uint32
	Limit     uint32
}

func (m GetHistoryFragmentMessage) Encode() []byte {
	return wire.NewBuilder(12).U32(m.ClientRef).U32(m.StartID).U32(m.Limit).Bytes()
}

func DecodeGetHistoryFragmentMessage(payload []byte) (GetHistoryFragmentMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return GetHistoryFragmentMessage{}, err
	}
	startID, err := c.U32()
	if err != nil {
		return GetHistoryFragmentMessage{}, err
	}
	limit, err := c.U32()
	if err != nil {
		return GetHistoryFragmentMessage{}, err
	}
	return GetHistoryFragmentMessage{ClientRef: ref, StartID: startID, Limit: limit}, nil
}

// KeepAliveMessage is the empty 0-byte keep-alive payload sent by either
// side to reset the peer's idle timer.
type KeepAliveMessage struct{}

func (m KeepAliveMessage) Encode() []byte { return nil }

func DecodeKeepAliveMessage(payload []byte) (KeepAliveMessage, error) {
	if len(payload) != 0 {
		return KeepAliveMessage{}, fmt.Errorf("keep-alive expects an empty payload, got %d bytes", len(payload))
	}
	return KeepAliveMessage{}, nil
}

// ActivateDelayedStartMessage requests playback begin automatically after
// DelayMillis, gated on ProtocolVersion20 by the dispatcher's capability
// table (spec.md §4.1, testable property S3).
type ActivateDelayedStartMessage struct {
	ClientRef   uint32
	DelayMillis int64
}

func (m ActivateDelayedStartMessage) Encode() []byte {
	return wire.NewBuilder(12).U32(m.ClientRef).I64(m.DelayMillis).Bytes()
}

func DecodeActivateDelayedStartMessage(payload []byte) (ActivateDelayedStartMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return ActivateDelayedStartMessage{}, err
	}
	delay, err := c.I64()
	if err != nil {
		return ActivateDelayedStartMessage{}, err
	}
	return ActivateDelayedStartMessage{ClientRef: ref, DelayMillis: delay}, nil
}

// CancelDelayedStartMessage aborts a pending delayed start without starting
// playback.
type CancelDelayedStartMessage struct {
	ClientRef uint32
}

func (m CancelDelayedStartMessage) Encode() []byte {
	return wire.NewBuilder(4).U32(m.ClientRef).Bytes()
}

func DecodeCancelDelayedStartMessage(payload []byte) (CancelDelayedStartMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return CancelDelayedStartMessage{}, err
	}
	return CancelDelayedStartMessage{ClientRef: ref}, nil
}

// ScrobblingControlMessage drives the scrobbling backend's
// enable/disable/status/authenticate verbs (spec.md §6 CLI surface).
// Username/Password are only meaningful for ScrobblingAuthenticate.
type ScrobblingControlMessage struct {
	ClientRef uint32
	Action    ScrobblingAction
	Provider  string
	Username  string
	Password  string
}

func (m ScrobblingControlMessage) Encode() []byte {
	b := wire.NewBuilder(8 + len(m.Provider) + len(m.Username) + len(m.Password))
	b.U32(m.ClientRef)
	b.U8(uint8(m.Action))
	b.String8(m.Provider)
	b.String8(m.Username)
	b.String8(m.Password)
	return b.Bytes()
}

func DecodeScrobblingControlMessage(payload []byte) (ScrobblingControlMessage, error) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return ScrobblingControlMessage{}, err
	}
	action, err := c.U8()
	if err != nil {
		return ScrobblingControlMessage{}, err
	}
	provider, err := c.String8()
	if err != nil {
		return ScrobblingControlMessage{}, err
	}
	username, err := c.String8()
	if err != nil {
		return ScrobblingControlMessage{}, err
	}
	password, err := c.String8()
	if err != nil {
		return ScrobblingControlMessage{}, err
	}
	return ScrobblingControlMessage{
		ClientRef: ref,
		Action:    ScrobblingAction(action),
		Provider:  provider,
		Username:  username,
		Password:  password,
	}, nil
}

// ScrobblingStatusResult is what a ScrobblingStatus query replies with,
// packed into a SimpleResultMessage's IntData (the scrobble.State ordinal)
// and BlobData (the provider name) so it needs no new server message type.
type ScrobblingStatusResult struct {
	State    uint32
	Provider string
}

func (r ScrobblingStatusResult) Encode() []byte {
	return []byte(r.Provider)
}
