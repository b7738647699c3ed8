package protocol

import (
	"bytes"
	"testing"

	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/protoerr"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
)

func sampleHash(t *testing.T) hashid.FileHash {
	t.Helper()
	h, err := hashid.FromParts(12345, bytes.Repeat([]byte{0xAB}, 20), bytes.Repeat([]byte{0xCD}, 16))
	if err != nil {
		t.Fatalf("FromParts: %v", err)
	}
	return h
}

func TestPlayerStateMessageRoundTrip(t *testing.T) {
	in := PlayerStateMessage{
		State:          PlayerStatePlaying,
		DelayedStart:   true,
		Volume:         77,
		QueueLength:    42,
		CurrentQueueID: 9001,
		PositionMillis: 123456789,
	}
	out, err := DecodePlayerStateMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestVolumeChangedMessageRoundTrip(t *testing.T) {
	in := VolumeChangedMessage{Volume: 55}
	out, err := DecodeVolumeChangedMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
	if !in.IsApplicable() {
		t.Fatalf("expected 55 to be applicable")
	}
	if (VolumeChangedMessage{Volume: 150}).IsApplicable() {
		t.Fatalf("expected 150 to be inapplicable")
	}
}

func TestTrackInfoMessageRoundTripModernVersion(t *testing.T) {
	in := TrackInfoMessage{
		QueueID:      7,
		Status:       QueueItemStatusTrack,
		Hash:         sampleHash(t),
		Title:        "Song",
		Artist:       "Band",
		LengthMillis: 250123,
	}
	out, err := DecodeTrackInfoMessage(in.Encode(ProtocolVersion13), ProtocolVersion13)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestTrackInfoMessageLegacyVersionTruncatesToSeconds(t *testing.T) {
	in := TrackInfoMessage{
		QueueID:      7,
		Status:       QueueItemStatusTrack,
		Hash:         sampleHash(t),
		Title:        "Song",
		Artist:       "Band",
		LengthMillis: 250000,
	}
	out, err := DecodeTrackInfoMessage(in.Encode(5), 5)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LengthMillis != in.LengthMillis {
		t.Fatalf("expected whole-second length to survive legacy round trip: got %d want %d", out.LengthMillis, in.LengthMillis)
	}
}

func TestTrackInfoMessagePseudoTrackSynthesizesLabels(t *testing.T) {
	in := TrackInfoMessage{
		QueueID: 1,
		Status:  QueueItemStatusBreak,
		Title:   "ignored on encode",
		Artist:  "ignored on encode",
	}
	out, err := DecodeTrackInfoMessage(in.Encode(ProtocolVersion13), ProtocolVersion13)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Title != "(break)" {
		t.Fatalf("expected synthesized break title, got %q", out.Title)
	}
}

func TestBulkTrackInfoMessageRoundTripOddCount(t *testing.T) {
	in := BulkTrackInfoMessage{Entries: []TrackInfoMessage{
		{QueueID: 1, Status: QueueItemStatusTrack, Hash: sampleHash(t), Title: "A", Artist: "X", LengthMillis: 1000},
		{QueueID: 2, Status: QueueItemStatusTrack, Hash: sampleHash(t), Title: "B", Artist: "Y", LengthMillis: 2000},
		{QueueID: 3, Status: QueueItemStatusTrack, Hash: sampleHash(t), Title: "C", Artist: "Z", LengthMillis: 3000},
	}}
	out, err := DecodeBulkTrackInfoMessage(in.Encode(ProtocolVersion13), ProtocolVersion13)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != len(in.Entries) {
		t.Fatalf("entry count mismatch: got %d want %d", len(out.Entries), len(in.Entries))
	}
	for i := range in.Entries {
		if out.Entries[i] != in.Entries[i] {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, out.Entries[i], in.Entries[i])
		}
	}
}

func TestBulkTrackInfoMessageRoundTripEvenCount(t *testing.T) {
	in := BulkTrackInfoMessage{Entries: []TrackInfoMessage{
		{QueueID: 1, Status: QueueItemStatusTrack, Hash: sampleHash(t), Title: "A", Artist: "X", LengthMillis: 1000},
		{QueueID: 2, Status: QueueItemStatusTrack, Hash: sampleHash(t), Title: "B", Artist: "Y", LengthMillis: 2000},
	}}
	out, err := DecodeBulkTrackInfoMessage(in.Encode(ProtocolVersion13), ProtocolVersion13)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out.Entries))
	}
}

func TestQueueEntryAdditionConfirmationMessageRoundTrip(t *testing.T) {
	in := QueueEntryAdditionConfirmationMessage{ClientRef: 4, Index: 2, QueueID: 99}
	out, err := DecodeQueueEntryAdditionConfirmationMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestSimpleResultMessageRoundTrip(t *testing.T) {
	in := SimpleResultMessage{ClientRef: 1, ErrorCode: protoerr.InvalidHash, IntData: 0, BlobData: []byte("details")}
	out, err := DecodeSimpleResultMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ClientRef != in.ClientRef || out.ErrorCode != in.ErrorCode || out.IntData != in.IntData || !bytes.Equal(out.BlobData, in.BlobData) {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestHistoryFragmentMessageRoundTrip(t *testing.T) {
	in := HistoryFragmentMessage{
		Records: []HistoryFragmentRecord{
			{ID: 1, HashID: 10, UserID: 1, StartedAtMillis: 1000, EndedAtMillis: 2000, Permillage: 850, ValidForScoring: true},
			{ID: 2, HashID: 11, UserID: 1, StartedAtMillis: 2000, EndedAtMillis: 2500, Permillage: 200, ValidForScoring: false},
		},
		NextStartID: 3,
	}
	out, err := DecodeHistoryFragmentMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.NextStartID != in.NextStartID || len(out.Records) != len(in.Records) {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
	for i := range in.Records {
		if out.Records[i] != in.Records[i] {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, out.Records[i], in.Records[i])
		}
	}
}

func TestServerEventNotificationMessageRoundTrip(t *testing.T) {
	in := ServerEventNotificationMessage{Event: ServerEventFullIndexationRunning, Arg: 1}
	out, err := DecodeServerEventNotificationMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestServerExtensionsMessageRoundTrip(t *testing.T) {
	in := ServerExtensionsMessage{Extensions: []handshakeExtension{
		{ID: 1, Version: 2, Name: "ext-one"},
		{ID: 2, Version: 1, Name: "ext-two"},
	}}
	encoded, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeServerExtensionsMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Extensions) != len(in.Extensions) {
		t.Fatalf("extension count mismatch: got %d want %d", len(out.Extensions), len(in.Extensions))
	}
	for i := range in.Extensions {
		if out.Extensions[i] != in.Extensions[i] {
			t.Fatalf("extension %d mismatch: got %+v want %+v", i, out.Extensions[i], in.Extensions[i])
		}
	}
}

func TestServerExtensionsMessageRejectsDuplicateID(t *testing.T) {
	in := ServerExtensionsMessage{Extensions: []handshakeExtension{
		{ID: 1, Version: 1, Name: "a"},
		{ID: 1, Version: 2, Name: "b"},
	}}
	if _, err := in.Encode(); err == nil {
		t.Fatalf("expected duplicate id rejection")
	}
}

func TestLoginMessageRoundTrip(t *testing.T) {
	in := LoginMessage{ClientRef: 3, Login: "alice", Password: []byte{1, 2, 3, 4}}
	out, err := DecodeLoginMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ClientRef != in.ClientRef || out.Login != in.Login || !bytes.Equal(out.Password, in.Password) {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestInsertHashMessageRoundTrip(t *testing.T) {
	in := InsertHashMessage{ClientRef: 1, Hash: sampleHash(t), IndexType: queue.IndexReverse, Index: 3}
	out, err := DecodeInsertHashMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestInsertHashAtFrontMessageRoundTrip(t *testing.T) {
	in := InsertHashAtFrontMessage{ClientRef: 1, Hash: sampleHash(t)}
	out, err := DecodeInsertHashAtFrontMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestRemoveQueueEntryMessageRoundTrip(t *testing.T) {
	in := RemoveQueueEntryMessage{ClientRef: 1, QueueID: 55}
	out, err := DecodeRemoveQueueEntryMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestMoveQueueEntryMessageRoundTripNegativeDelta(t *testing.T) {
	in := MoveQueueEntryMessage{ClientRef: 1, QueueID: 55, Delta: -4}
	out, err := DecodeMoveQueueEntryMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestSetVolumeMessageRoundTrip(t *testing.T) {
	in := SetVolumeMessage{Volume: 33}
	out, err := DecodeSetVolumeMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestPlaybackCommandMessageRejectsNonEmptyPayload(t *testing.T) {
	if _, err := DecodePlaybackCommandMessage([]byte{1}); err == nil {
		t.Fatalf("expected rejection of non-empty payload")
	}
}

func TestGetHistoryFragmentMessageRoundTrip(t *testing.T) {
	in := GetHistoryFragmentMessage{ClientRef: 1, StartID: 10, Limit: 50}
	out, err := DecodeGetHistoryFragmentMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestKeepAliveMessageRejectsNonEmptyPayload(t *testing.T) {
	if _, err := DecodeKeepAliveMessage([]byte{0}); err == nil {
		t.Fatalf("expected rejection of non-empty payload")
	}
}

func TestActivateDelayedStartMessageRoundTrip(t *testing.T) {
	in := ActivateDelayedStartMessage{ClientRef: 9, DelayMillis: 30000}
	out, err := DecodeActivateDelayedStartMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestCancelDelayedStartMessageRoundTrip(t *testing.T) {
	in := CancelDelayedStartMessage{ClientRef: 9}
	out, err := DecodeCancelDelayedStartMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestScrobblingControlMessageRoundTrip(t *testing.T) {
	in := ScrobblingControlMessage{
		ClientRef: 3,
		Action:    ScrobblingAuthenticate,
		Provider:  "lastfm",
		Username:  "bob",
		Password:  "secret",
	}
	out, err := DecodeScrobblingControlMessage(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch: got %+v want %+v", out, in)
	}
}

func TestPlayerStateEncodeDecodeBit(t *testing.T) {
	b := EncodePlayerState(PlayerStatePaused, true)
	state, delayed := DecodePlayerState(b)
	if state != PlayerStatePaused || !delayed {
		t.Fatalf("got state=%v delayed=%v", state, delayed)
	}
}
