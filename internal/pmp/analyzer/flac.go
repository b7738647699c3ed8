package analyzer

// analyzeFLAC reproduces fileanalyzer.cpp's analyzeFlac(): read tags, then
// strip every FLAC metadata block (walking the "fLaC" header) down to raw
// audio frames before hashing, plus a defensive ID3v1 strip in case one was
// appended (FLAC files aren't supposed to carry ID3v1, but some encoders
// did anyway).
func analyzeFLAC(contents []byte) (Result, error) {
	tags := readTags(contents)

	scratch := contents
	if s, ok := stripID3v1(scratch); ok {
		scratch = s
	}
	if s, ok := stripID3v1(scratch); ok {
		scratch = s
	}

	audioStart, ok := stripFlacHeaders(scratch)
	if !ok {
		return Result{}, errUnsupportedFlac
	}

	return Result{
		Hash:  hashOf(scratch[audioStart:]),
		Audio: AudioData{Format: ExtensionFLAC},
		Tags:  tags,
	}, nil
}

var errUnsupportedFlac = flacError("not a valid FLAC stream")

type flacError string

func (e flacError) Error() string { return string(e) }

// stripFlacHeaders walks the METADATA_BLOCK_HEADER chain following the
// "fLaC" marker and returns the byte offset where audio frame data begins.
// See https://xiph.org/flac/format.html.
func stripFlacHeaders(data []byte) (int, bool) {
	const headerSize = 4
	if len(data) < 4+headerSize || string(data[0:4]) != "fLaC" {
		return 0, false
	}

	pos := 4
	for {
		if pos+headerSize > len(data) {
			return 0, false
		}
		header := data[pos : pos+headerSize]
		lastBlock := header[0]&0x80 != 0
		blockSize := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
		pos += headerSize + blockSize
		if pos >= len(data) {
			return 0, false
		}
		if lastBlock {
			break
		}
	}
	return pos, true
}
