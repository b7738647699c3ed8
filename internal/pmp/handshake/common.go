package handshake

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	pmperrors "github.com/hyperquantum/pmp/internal/errors"
)

// maxTextLineLength bounds the ASCII banner/token lines to guard against a
// misbehaving peer withholding the terminating ';'.
const maxTextLineLength = 256

const helloMagic = "PMP"

// readTextLine reads bytes up to and including the terminating ';',
// returning the content without the terminator.
func readTextLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		if len(buf) > maxTextLineLength {
			return "", pmperrors.NewHandshakeError("read.textLine", fmt.Errorf("line exceeds %d bytes without terminator", maxTextLineLength))
		}
		b, err := r.ReadByte()
		if err != nil {
			return "", pmperrors.NewHandshakeError("read.textLine", err)
		}
		if b == ';' {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// writeHello writes the 5-byte binary hello: "PMP" + u16 version, raw
// (not length-framed — the frame format only governs post-handshake
// traffic).
func writeHello(w io.Writer, version uint16) error {
	var buf [5]byte
	copy(buf[:3], helloMagic)
	binary.BigEndian.PutUint16(buf[3:], version)
	_, err := w.Write(buf[:])
	return err
}

// readHello reads and validates the 5-byte binary hello, returning the
// peer's announced version.
func readHello(r io.Reader) (uint16, error) {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, pmperrors.NewHandshakeError("read.hello", err)
	}
	if string(buf[:3]) != helloMagic {
		return 0, pmperrors.NewHandshakeError("read.hello", fmt.Errorf("bad magic %q", buf[:3]))
	}
	return binary.BigEndian.Uint16(buf[3:]), nil
}

// writeExtensions writes a u16 count followed by (id u8, version u8, name
// u8-length-prefixed) tuples.
func writeExtensions(w io.Writer, exts []Extension) error {
	if len(exts) > 0xFFFF {
		return pmperrors.NewHandshakeError("write.extensions", fmt.Errorf("too many extensions: %d", len(exts)))
	}
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(exts)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for _, e := range exts {
		if len(e.Name) > 0xFF {
			return pmperrors.NewHandshakeError("write.extensions", fmt.Errorf("extension name too long: %q", e.Name))
		}
		hdr := []byte{e.ID, e.Version, byte(len(e.Name))}
		if _, err := w.Write(hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Name); err != nil {
			return err
		}
	}
	return nil
}

// readExtensions reads the shape written by writeExtensions, rejecting
// duplicate ids or names.
func readExtensions(r io.Reader) ([]Extension, error) {
	var count [2]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, pmperrors.NewHandshakeError("read.extensions", err)
	}
	n := binary.BigEndian.Uint16(count[:])
	exts := make([]Extension, 0, n)
	seenID := make(map[uint8]bool, n)
	seenName := make(map[string]bool, n)
	for i := uint16(0); i < n; i++ {
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, pmperrors.NewHandshakeError("read.extensions", err)
		}
		nameLen := hdr[2]
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, pmperrors.NewHandshakeError("read.extensions", err)
		}
		e := Extension{ID: hdr[0], Version: hdr[1], Name: string(nameBuf)}
		if seenID[e.ID] {
			return nil, pmperrors.NewHandshakeError("read.extensions", fmt.Errorf("duplicate extension id %d", e.ID))
		}
		if seenName[e.Name] {
			return nil, pmperrors.NewHandshakeError("read.extensions", fmt.Errorf("duplicate extension name %q", e.Name))
		}
		seenID[e.ID] = true
		seenName[e.Name] = true
		exts = append(exts, e)
	}
	return exts, nil
}

func negotiate(mine, theirs uint16) uint16 {
	if mine < theirs {
		return mine
	}
	return theirs
}
