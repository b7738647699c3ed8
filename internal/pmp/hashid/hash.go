// Package hashid implements the content-addressed track identity subsystem:
// FileHash values, the bijective hash<->id registrar, and the equivalence
// relation between ids that refer to the same logical track.
package hashid

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
)

// FileHash identifies the audio payload of a supported file after every
// metadata container has been stripped. The zero value is the "no hash"
// sentinel and is never a valid identifier.
type FileHash struct {
	Length uint64
	SHA1   [sha1.Size]byte
	MD5    [md5.Size]byte
}

// IsZero reports whether h is the all-zero sentinel.
func (h FileHash) IsZero() bool {
	return h.Length == 0 && h.SHA1 == [sha1.Size]byte{} && h.MD5 == [md5.Size]byte{}
}

// FromBytes computes the FileHash of b (the already-stripped audio payload).
func FromBytes(b []byte) FileHash {
	return FileHash{
		Length: uint64(len(b)),
		SHA1:   sha1.Sum(b),
		MD5:    md5.Sum(b),
	}
}

// FromParts reconstructs a FileHash from its already-computed components
// (length, raw SHA1 digest, raw MD5 digest), as read back from storage or
// the wire. sha1b and md5b must be exactly sha1.Size and md5.Size bytes.
func FromParts(length uint64, sha1b, md5b []byte) (FileHash, error) {
	var h FileHash
	if len(sha1b) != sha1.Size {
		return h, fmt.Errorf("sha1 digest must be %d bytes, got %d", sha1.Size, len(sha1b))
	}
	if len(md5b) != md5.Size {
		return h, fmt.Errorf("md5 digest must be %d bytes, got %d", md5.Size, len(md5b))
	}
	h.Length = length
	copy(h.SHA1[:], sha1b)
	copy(h.MD5[:], md5b)
	return h, nil
}

func (h FileHash) String() string {
	return fmt.Sprintf("FileHash{len=%d sha1=%x md5=%x}", h.Length, h.SHA1, h.MD5)
}
