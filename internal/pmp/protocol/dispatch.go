package protocol

import (
	"fmt"
	"log/slog"

	pmperrors "github.com/hyperquantum/pmp/internal/errors"
	"github.com/hyperquantum/pmp/internal/pmp/wire"
)

// Handler function types, one per ClientMessageType. Each receives the
// already-decoded message struct plus the originating client_ref where the
// message carries one (some, like SetVolume/Play/Pause/Skip/KeepAlive, do
// not expect a reply and so have none).
type (
	LoginHandler                func(*LoginMessage) error
	InsertHashHandler           func(*InsertHashMessage) error
	InsertHashAtFrontHandler    func(*InsertHashAtFrontMessage) error
	RemoveQueueEntryHandler     func(*RemoveQueueEntryMessage) error
	MoveQueueEntryHandler       func(*MoveQueueEntryMessage) error
	GetPlayerStateHandler       func() error
	SetVolumeHandler            func(*SetVolumeMessage) error
	PlaybackCommandHandler      func() error
	GetHistoryFragmentHandler   func(*GetHistoryFragmentMessage) error
	KeepAliveHandler            func() error
	ActivateDelayedStartHandler func(*ActivateDelayedStartMessage) error
	CancelDelayedStartHandler   func(*CancelDelayedStartMessage) error
	ScrobblingControlHandler    func(*ScrobblingControlMessage) error

	// CapabilityRejectedHandler answers a capability-gated request the
	// dispatcher refused to hand to its normal handler, replying with
	// ServerTooOld against the message's own client_ref.
	CapabilityRejectedHandler func(clientRef uint32) error
)

// capabilityTable maps a client message type to the minimum protocol
// version that understands it (spec.md §4.1: "a lookup table maps each
// action/message to the minimum protocol version that understands it").
// A message type absent from this table is ungated.
var capabilityTable = map[ClientMessageType]int{
	ClientMsgActivateDelayedStart: ProtocolVersion20,
	ClientMsgCancelDelayedStart:   ProtocolVersion20,
}

// Dispatcher routes a decoded ClientMessageType + payload pair to the
// registered domain handler. One nil-able field per message type; an
// unregistered handler is a no-op logged at warn level rather than a
// connection-ending error, matching how unknown commands are treated.
type Dispatcher struct {
	ProtocolVersion int

	OnLogin              LoginHandler
	OnInsertHashAtIndex  InsertHashHandler
	OnInsertHashAtFront  InsertHashAtFrontHandler
	OnRemoveQueueEntry   RemoveQueueEntryHandler
	OnMoveQueueEntry     MoveQueueEntryHandler
	OnGetPlayerState     GetPlayerStateHandler
	OnSetVolume          SetVolumeHandler
	OnPlay               PlaybackCommandHandler
	OnPause              PlaybackCommandHandler
	OnSkip               PlaybackCommandHandler
	OnGetHistoryFragment GetHistoryFragmentHandler
	OnKeepAlive          KeepAliveHandler

	OnActivateDelayedStart ActivateDelayedStartHandler
	OnCancelDelayedStart   CancelDelayedStartHandler
	OnScrobblingControl    ScrobblingControlHandler
	OnCapabilityRejected   CapabilityRejectedHandler

	log *slog.Logger
}

// NewDispatcher returns a Dispatcher with no handlers registered; callers
// set the On* fields for the message types they care about.
func NewDispatcher(protocolVersion int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{ProtocolVersion: protocolVersion, log: log.With("component", "dispatcher")}
}

// Dispatch decodes payload according to msgType and invokes the matching
// registered handler. A frame too short for its message type, or a
// non-empty payload for a message type that carries none, is rejected with
// a FrameError carrying InvalidMessageStructure semantics
// (the session layer maps that to protoerr.InvalidMessageStructure on the
// wire). Unregistered handlers are logged and ignored, not an error.
func (d *Dispatcher) Dispatch(msgType ClientMessageType, payload []byte) error {
	if minVersion, gated := capabilityTable[msgType]; gated && d.ProtocolVersion < minVersion {
		return d.rejectCapability(msgType, payload)
	}

	switch msgType {
	case ClientMsgLogin:
		msg, err := DecodeLoginMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnLogin == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnLogin(&msg)

	case ClientMsgInsertHashAtIndex:
		msg, err := DecodeInsertHashMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnInsertHashAtIndex == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnInsertHashAtIndex(&msg)

	case ClientMsgInsertHashAtFront:
		msg, err := DecodeInsertHashAtFrontMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnInsertHashAtFront == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnInsertHashAtFront(&msg)

	case ClientMsgRemoveQueueEntry:
		msg, err := DecodeRemoveQueueEntryMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnRemoveQueueEntry == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnRemoveQueueEntry(&msg)

	case ClientMsgMoveQueueEntry:
		msg, err := DecodeMoveQueueEntryMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnMoveQueueEntry == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnMoveQueueEntry(&msg)

	case ClientMsgGetPlayerState:
		if len(payload) != 0 {
			return d.decodeErr(msgType, fmt.Errorf("expected empty payload, got %d bytes", len(payload)))
		}
		if d.OnGetPlayerState == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnGetPlayerState()

	case ClientMsgSetVolume:
		msg, err := DecodeSetVolumeMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnSetVolume == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnSetVolume(&msg)

	case ClientMsgPlay:
		if _, err := DecodePlaybackCommandMessage(payload); err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnPlay == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnPlay()

	case ClientMsgPause:
		if _, err := DecodePlaybackCommandMessage(payload); err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnPause == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnPause()

	case ClientMsgSkip:
		if _, err := DecodePlaybackCommandMessage(payload); err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnSkip == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnSkip()

	case ClientMsgGetHistoryFragment:
		msg, err := DecodeGetHistoryFragmentMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnGetHistoryFragment == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnGetHistoryFragment(&msg)

	case ClientMsgKeepAlive:
		if _, err := DecodeKeepAliveMessage(payload); err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnKeepAlive == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnKeepAlive()

	case ClientMsgActivateDelayedStart:
		msg, err := DecodeActivateDelayedStartMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnActivateDelayedStart == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnActivateDelayedStart(&msg)

	case ClientMsgCancelDelayedStart:
		msg, err := DecodeCancelDelayedStartMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnCancelDelayedStart == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnCancelDelayedStart(&msg)

	case ClientMsgScrobblingControl:
		msg, err := DecodeScrobblingControlMessage(payload)
		if err != nil {
			return d.decodeErr(msgType, err)
		}
		if d.OnScrobblingControl == nil {
			return d.noHandlerErr(msgType)
		}
		return d.OnScrobblingControl(&msg)

	default:
		d.log.Warn("unknown client message type", "type", uint16(msgType), "len", len(payload))
		return nil
	}
}

func (d *Dispatcher) decodeErr(msgType ClientMessageType, err error) error {
	return pmperrors.NewFrameError(fmt.Sprintf("dispatch.decode type=%d", msgType), err)
}

func (d *Dispatcher) noHandlerErr(msgType ClientMessageType) error {
	d.log.Warn("no handler registered for client message type", "type", uint16(msgType))
	return nil
}

// rejectCapability answers a capability-gated message with ServerTooOld
// without ever invoking its normal handler. Every gated message type in
// capabilityTable starts with a u32 client_ref, the same shape Decode*
// would read first, so the ref can be peeked without a type-specific decode.
func (d *Dispatcher) rejectCapability(msgType ClientMessageType, payload []byte) error {
	ref, ok := peekClientRef(payload)
	if !ok || d.OnCapabilityRejected == nil {
		d.log.Warn("capability-gated message rejected", "type", uint16(msgType), "negotiated_version", d.ProtocolVersion)
		return nil
	}
	return d.OnCapabilityRejected(ref)
}

func peekClientRef(payload []byte) (uint32, bool) {
	c := wire.NewCursor(payload)
	ref, err := c.U32()
	if err != nil {
		return 0, false
	}
	return ref, true
}

// DecodeFrame splits a raw frame payload into its message-type word and
// remaining body, classifying standard vs extension messages.
func DecodeFrame(payload []byte) (kind wire.MessageKind, standardType uint16, extensionID uint8, subType uint8, body []byte, err error) {
	if len(payload) < 2 {
		return 0, 0, 0, 0, nil, pmperrors.NewFrameError("dispatch.header", fmt.Errorf("frame too short for message-type header: %d bytes", len(payload)))
	}
	typeWord := uint16(payload[0])<<8 | uint16(payload[1])
	kind, standardType, extensionID, subType = wire.SplitMessageType(typeWord)
	return kind, standardType, extensionID, subType, payload[2:], nil
}
