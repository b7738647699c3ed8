package analyzer

import (
	"encoding/binary"
)

// analyzeMP3 reproduces fileanalyzer.cpp's analyzeMp3(): strip only ID3v2 to
// get the "legacy" hash (matches what very old clients computed), then also
// strip ID3v1 (twice, since it was occasionally duplicated) and a trailing
// APEv2 tag to get the current hash. If nothing beyond ID3v2 was present,
// the current hash equals the legacy hash and no separate legacy hash is
// reported.
func analyzeMP3(contents []byte) (Result, error) {
	tags := readTags(contents)
	tags.AlbumArtist = tpe2From(contents)

	scratch := stripID3v2(contents)
	legacyHash := hashOf(scratch)

	changed := false
	if s, ok := stripID3v1(scratch); ok {
		scratch = s
		changed = true
	}
	if s, ok := stripID3v1(scratch); ok { // ID3v1 might occur twice
		scratch = s
		changed = true
	}
	if s, ok := stripAPE(scratch); ok {
		scratch = s
		changed = true
	}

	res := Result{Audio: AudioData{Format: ExtensionMP3}, Tags: tags}
	if changed {
		res.Hash = hashOf(scratch)
		res.LegacyHash = legacyHash
	} else {
		res.Hash = legacyHash
	}
	return res, nil
}

// stripID3v2 removes a leading ID3v2 tag (header + frames + optional
// footer), if present. The ID3v2 header is 10 bytes: "ID3", a 2-byte
// version, 1 flag byte, and a 4-byte syncsafe size (7 usable bits per byte,
// counting only the frames, not the header or a footer).
func stripID3v2(data []byte) []byte {
	if len(data) < 10 || string(data[0:3]) != "ID3" {
		return data
	}
	flags := data[5]
	size := syncsafeToUint(data[6:10])
	const headerSize = 10
	footerSize := 0
	if flags&0x10 != 0 { // footer present flag
		footerSize = 10
	}
	total := headerSize + int(size) + footerSize
	if total > len(data) {
		return data
	}
	return data[total:]
}

func syncsafeToUint(b []byte) uint32 {
	return uint32(b[0])<<21 | uint32(b[1])<<14 | uint32(b[2])<<7 | uint32(b[3])
}

// stripID3v1 removes a trailing 128-byte ID3v1 tag ("TAG" + fixed fields),
// taking care not to mistake an APEv2 footer immediately preceding it for
// part of the audio data.
func stripID3v1(data []byte) ([]byte, bool) {
	const tagSize = 128
	if len(data) < tagSize {
		return data, false
	}
	position := len(data) - tagSize
	if string(data[position:position+3]) != "TAG" {
		return data, false
	}
	if position >= 8 && string(data[position-8:position]) == "APETAGEX" {
		return data, false
	}
	return data[:position], true
}

// stripAPE removes a trailing APEv2 tag, identified by its 32-byte footer.
func stripAPE(data []byte) ([]byte, bool) {
	const footerSize = 32
	if len(data) < footerSize {
		return data, false
	}
	footerPos := len(data) - footerSize
	if string(data[footerPos:footerPos+8]) != "APETAGEX" {
		return data, false
	}
	tagSizeExcludingHeader := binary.LittleEndian.Uint32(data[footerPos+12 : footerPos+16])
	flags := binary.LittleEndian.Uint32(data[footerPos+20 : footerPos+24])
	headerPresent := flags&0x80000000 != 0

	startPos := footerPos + footerSize - int(tagSizeExcludingHeader)
	if headerPresent {
		startPos -= footerSize
	}
	if startPos < 0 || startPos > len(data) {
		return data, false
	}
	return data[:startPos], true
}

// tpe2From extracts the album artist from a raw ID3v2 TPE2 frame, mirroring
// the original's special-cased access to the frame list (the common tag
// fields dhowden/tag exposes don't surface TPE2 directly for MP3).
func tpe2From(data []byte) string {
	if len(data) < 10 || string(data[0:3]) != "ID3" {
		return ""
	}
	size := syncsafeToUint(data[6:10])
	pos := 10
	end := 10 + int(size)
	if end > len(data) {
		end = len(data)
	}
	majorVersion := data[3]
	for pos+10 <= end {
		var frameID string
		var frameSize int
		var frameHeaderSize int
		if majorVersion == 2 {
			if pos+6 > end {
				break
			}
			frameID = string(data[pos : pos+3])
			frameSize = int(data[pos+3])<<16 | int(data[pos+4])<<8 | int(data[pos+5])
			frameHeaderSize = 6
		} else {
			frameID = string(data[pos : pos+4])
			if frameID == "\x00\x00\x00\x00" {
				break
			}
			if majorVersion == 4 {
				frameSize = int(syncsafeToUint(data[pos+4 : pos+8]))
			} else {
				frameSize = int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
			}
			frameHeaderSize = 10
		}
		contentStart := pos + frameHeaderSize
		contentEnd := contentStart + frameSize
		if contentEnd > end || contentEnd < contentStart {
			break
		}
		if frameID == "TPE2" && frameSize > 1 {
			return decodeID3Text(data[contentStart:contentEnd])
		}
		pos = contentEnd
	}
	return ""
}

// decodeID3Text strips the leading text-encoding byte and any null
// terminator from an ID3v2 text frame's content. Only the ISO-8859-1 and
// UTF-8 encodings are handled directly; others are returned best-effort.
func decodeID3Text(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	encoding := b[0]
	text := b[1:]
	switch encoding {
	case 0, 3: // ISO-8859-1 or UTF-8
		for len(text) > 0 && text[len(text)-1] == 0 {
			text = text[:len(text)-1]
		}
		return string(text)
	default:
		return string(text)
	}
}
