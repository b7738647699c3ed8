package wire

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	pmperrors "github.com/hyperquantum/pmp/internal/errors"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
)

// extensionBit marks a message type as belonging to the extension
// namespace (top bit of the 16-bit message-type field set).
const extensionBit uint16 = 0x8000

// FileHashByteCount is the wire size of a FileHash field: u64 length,
// 20-byte SHA1, 16-byte MD5.
const FileHashByteCount = 8 + sha1.Size + md5.Size

// TimestampEmpty is the reserved "no timestamp" sentinel value.
const TimestampEmpty int64 = -1

// MessageKind distinguishes a standard message from an extension message.
type MessageKind int

const (
	KindStandard MessageKind = iota
	KindExtension
)

// SplitMessageType decodes the first two payload bytes of a frame into
// either a standard 15-bit message type, or an extension id and its 7-bit
// sub-type.
func SplitMessageType(v uint16) (kind MessageKind, standardType uint16, extensionID uint8, subType uint8) {
	if v&extensionBit == 0 {
		return KindStandard, v & 0x7FFF, 0, 0
	}
	return KindExtension, 0, uint8(v >> 7 & 0xFF), uint8(v & 0x7F)
}

// EncodeStandardType encodes t (which must be < 0x8000) as a standard
// message-type word.
func EncodeStandardType(t uint16) (uint16, error) {
	if t&extensionBit != 0 {
		return 0, fmt.Errorf("standard message type %d does not fit in 15 bits", t)
	}
	return t, nil
}

// EncodeExtensionType encodes an (extension id, sub-type) pair as an
// extension message-type word.
func EncodeExtensionType(extensionID uint8, subType uint8) uint16 {
	return extensionBit | uint16(extensionID)<<7 | uint16(subType&0x7F)
}

// Cursor decodes fixed-width big-endian fields from a byte slice,
// tracking position and rejecting overruns with InvalidMessageStructure-
// flavored errors.
type Cursor struct {
	b   []byte
	pos int
}

// NewCursor returns a Cursor over b.
func NewCursor(b []byte) *Cursor { return &Cursor{b: b} }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.b) - c.pos }

func (c *Cursor) need(n int) error {
	if c.Remaining() < n {
		return pmperrors.NewFrameError("cursor.read", fmt.Errorf("need %d bytes, have %d", n, c.Remaining()))
	}
	return nil
}

func (c *Cursor) U8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.b[c.pos]
	c.pos++
	return v, nil
}

func (c *Cursor) U16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.b[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *Cursor) U32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.b[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *Cursor) U64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.b[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

// String8 reads a u8 byte-count then that many UTF-8 bytes.
func (c *Cursor) String8() (string, error) {
	n, err := c.U8()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.b[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// String16 reads a u16 byte-count then that many UTF-8 bytes.
func (c *Cursor) String16() (string, error) {
	n, err := c.U16()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.b[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// Bytes reads n raw bytes. The returned slice is a copy, not a window into
// the cursor's backing array, so it stays valid after that array is reused
// (e.g. returned to bufpool once the frame has been fully decoded).
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := append([]byte(nil), c.b[c.pos:c.pos+n]...)
	c.pos += n
	return b, nil
}

// FileHash reads the fixed 44-byte hash field.
func (c *Cursor) FileHash() (hashid.FileHash, error) {
	var h hashid.FileHash
	length, err := c.U64()
	if err != nil {
		return h, err
	}
	shaBytes, err := c.Bytes(sha1.Size)
	if err != nil {
		return h, err
	}
	mdBytes, err := c.Bytes(md5.Size)
	if err != nil {
		return h, err
	}
	h.Length = length
	copy(h.SHA1[:], shaBytes)
	copy(h.MD5[:], mdBytes)
	return h, nil
}

// Builder appends fixed-width big-endian fields to a growing byte slice.
type Builder struct {
	b []byte
}

// NewBuilder returns an empty Builder, optionally pre-sizing its buffer.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{b: make([]byte, 0, sizeHint)}
}

func (b *Builder) Bytes() []byte { return b.b }

func (b *Builder) U8(v uint8) *Builder {
	b.b = append(b.b, v)
	return b
}

func (b *Builder) U16(v uint16) *Builder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
	return b
}

func (b *Builder) U32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
	return b
}

func (b *Builder) U64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
	return b
}

func (b *Builder) I64(v int64) *Builder { return b.U64(uint64(v)) }

func (b *Builder) String8(s string) *Builder {
	b.U8(uint8(len(s)))
	b.b = append(b.b, s...)
	return b
}

func (b *Builder) String16(s string) *Builder {
	b.U16(uint16(len(s)))
	b.b = append(b.b, s...)
	return b
}

func (b *Builder) Raw(p []byte) *Builder {
	b.b = append(b.b, p...)
	return b
}

func (b *Builder) FileHash(h hashid.FileHash) *Builder {
	b.U64(h.Length)
	b.Raw(h.SHA1[:])
	b.Raw(h.MD5[:])
	return b
}
