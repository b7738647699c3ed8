// Package wire implements the PMP length-framed binary protocol: frame
// read/write, message-type multiplexing between standard and extension
// messages, and the fixed-width field encoding shared by every message.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hyperquantum/pmp/internal/bufpool"
	pmperrors "github.com/hyperquantum/pmp/internal/errors"
)

// MaxFrameLength is the largest payload length the wire format allows
// (payload length must be < 2^31).
const MaxFrameLength = 1<<31 - 1

// Reader reads length-prefixed frames off a blocking stream (typically a
// net.Conn). It never advances past a frame boundary: a short read simply
// blocks inside io.ReadFull until the remainder arrives.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame reads one complete frame and returns its payload. The payload
// is drawn from the package's buffer pool; callers must pass it to
// ReleaseFrame once they are done decoding it (Cursor.Bytes copies out
// anything it hands further up, so nothing may keep referring to the
// payload slice itself past that point).
func (fr *Reader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return nil, pmperrors.NewFrameError("read.length", fmt.Errorf("declared length %d exceeds maximum %d", length, MaxFrameLength))
	}
	payload := bufpool.Get(int(length))
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		bufpool.Put(payload)
		return nil, err
	}
	return payload, nil
}

// ReleaseFrame returns a payload obtained from ReadFrame to the buffer
// pool. Safe to call with nil.
func (fr *Reader) ReleaseFrame(payload []byte) {
	bufpool.Put(payload)
}

// Writer writes length-prefixed frames to w.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for frame-at-a-time writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as a single length-prefixed frame. The length
// header and payload are assembled in one pooled buffer so the frame goes
// out in a single Write call instead of two.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameLength {
		return pmperrors.NewFrameError("write.length", fmt.Errorf("payload length %d exceeds maximum %d", len(payload), MaxFrameLength))
	}
	buf := bufpool.Get(4 + len(payload))
	defer bufpool.Put(buf)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := fw.w.Write(buf)
	return err
}

// Decoder is an incremental, non-blocking frame decoder: bytes are appended
// via Feed and complete frames extracted via Next. A frame whose body has
// not fully arrived leaves the decoder's internal cursor untouched, so a
// later Feed of the remainder resumes correctly (testable property: framing
// robustness under truncation).
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty incremental decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends newly received bytes to the decoder's buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next extracts the next complete frame from the buffer, if any. ok is false
// when more bytes are needed; err is non-nil only for a protocol violation
// (oversized declared length), which does not consume any bytes either.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > MaxFrameLength {
		return nil, false, pmperrors.NewFrameError("decode.length", fmt.Errorf("declared length %d exceeds maximum %d", length, MaxFrameLength))
	}
	total := 4 + int(length)
	if len(d.buf) < total {
		return nil, false, nil
	}
	payload = append([]byte(nil), d.buf[4:total]...)
	remaining := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]
	return payload, true, nil
}

// Pending reports how many bytes are currently buffered awaiting a frame.
func (d *Decoder) Pending() int { return len(d.buf) }
