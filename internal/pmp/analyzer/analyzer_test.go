package analyzer

import (
	"bytes"
	"testing"
)

func syncsafe(n int) []byte {
	return []byte{
		byte((n >> 21) & 0x7F),
		byte((n >> 14) & 0x7F),
		byte((n >> 7) & 0x7F),
		byte(n & 0x7F),
	}
}

func buildID3v2(frames []byte) []byte {
	header := []byte{'I', 'D', '3', 3, 0, 0}
	header = append(header, syncsafe(len(frames))...)
	return append(header, frames...)
}

func buildTPE2Frame(value string) []byte {
	content := append([]byte{0}, []byte(value)...) // encoding byte 0 = ISO-8859-1
	frame := []byte("TPE2")
	size := make([]byte, 4)
	size[0] = byte(len(content) >> 24)
	size[1] = byte(len(content) >> 16)
	size[2] = byte(len(content) >> 8)
	size[3] = byte(len(content))
	frame = append(frame, size...)
	frame = append(frame, 0, 0) // flags
	frame = append(frame, content...)
	return frame
}

func TestStripID3v2RemovesHeaderAndFrames(t *testing.T) {
	frames := buildTPE2Frame("Various Artists")
	tag := buildID3v2(frames)
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 100)
	full := append(append([]byte{}, tag...), audio...)

	stripped := stripID3v2(full)
	if !bytes.Equal(stripped, audio) {
		t.Fatalf("stripID3v2 did not isolate audio payload, got %d bytes want %d", len(stripped), len(audio))
	}
}

func TestStripID3v2NoOpWithoutTag(t *testing.T) {
	audio := []byte{0xFF, 0xFB, 0x90, 0x00}
	got := stripID3v2(audio)
	if !bytes.Equal(got, audio) {
		t.Fatalf("expected no-op without ID3v2 header")
	}
}

func TestStripID3v1RemovesTrailingTag(t *testing.T) {
	audio := bytes.Repeat([]byte{0x01}, 50)
	v1 := append([]byte("TAG"), bytes.Repeat([]byte{0x00}, 125)...)
	full := append(append([]byte{}, audio...), v1...)

	stripped, ok := stripID3v1(full)
	if !ok || !bytes.Equal(stripped, audio) {
		t.Fatalf("stripID3v1 failed, ok=%v len=%d want=%d", ok, len(stripped), len(audio))
	}
}

func TestStripID3v1DoesNotConsumeAPE(t *testing.T) {
	// An APEv2 footer immediately followed by what looks like "TAG" must
	// not be mistaken for an ID3v1 tag.
	data := append([]byte("APETAGEX"), bytes.Repeat([]byte{0}, 24)...)
	data = append(data, []byte("TAG")...)
	data = append(data, bytes.Repeat([]byte{0}, 125)...)
	_, ok := stripID3v1(data)
	if ok {
		t.Fatalf("expected stripID3v1 to decline when an APEv2 footer precedes it")
	}
}

func TestTPE2Extraction(t *testing.T) {
	frames := buildTPE2Frame("Various Artists")
	tag := buildID3v2(frames)
	audio := bytes.Repeat([]byte{0xFF, 0xFB}, 10)
	full := append(append([]byte{}, tag...), audio...)

	got := tpe2From(full)
	if got != "Various Artists" {
		t.Fatalf("tpe2From = %q, want %q", got, "Various Artists")
	}
}

func buildFlacMetadataBlock(blockType byte, content []byte, last bool) []byte {
	header := make([]byte, 4)
	if last {
		header[0] = 0x80 | blockType
	} else {
		header[0] = blockType
	}
	size := len(content)
	header[1] = byte(size >> 16)
	header[2] = byte(size >> 8)
	header[3] = byte(size)
	return append(header, content...)
}

func TestStripFlacHeadersFindsAudioStart(t *testing.T) {
	streamInfo := buildFlacMetadataBlock(0, bytes.Repeat([]byte{0}, 34), false)
	vorbisComment := buildFlacMetadataBlock(4, []byte("some comment data"), true)
	audio := bytes.Repeat([]byte{0xAB}, 20)

	full := append([]byte("fLaC"), streamInfo...)
	full = append(full, vorbisComment...)
	full = append(full, audio...)

	start, ok := stripFlacHeaders(full)
	if !ok {
		t.Fatalf("expected stripFlacHeaders to succeed")
	}
	if !bytes.Equal(full[start:], audio) {
		t.Fatalf("audio start offset wrong: got %d bytes remaining, want %d", len(full)-start, len(audio))
	}
}

func TestStripFlacHeadersRejectsNonFlac(t *testing.T) {
	_, ok := stripFlacHeaders([]byte("not a flac file at all"))
	if ok {
		t.Fatalf("expected rejection of non-FLAC data")
	}
}

func TestAnalyzeMP3LegacyHashWhenOnlyID3v2Present(t *testing.T) {
	frames := buildTPE2Frame("Album Artist")
	tag := buildID3v2(frames)
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 200)
	full := append(append([]byte{}, tag...), audio...)

	res, err := Analyze(full, ExtensionMP3)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.LegacyHash.IsZero() {
		t.Fatalf("expected no distinct legacy hash when only ID3v2 is stripped")
	}
	if res.Hash.IsZero() {
		t.Fatalf("expected non-zero hash")
	}
	if res.Tags.AlbumArtist != "Album Artist" {
		t.Fatalf("AlbumArtist = %q", res.Tags.AlbumArtist)
	}
}

func TestAnalyzeMP3DistinctLegacyHashWhenID3v1Present(t *testing.T) {
	tag := buildID3v2(buildTPE2Frame("X"))
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 200)
	v1 := append([]byte("TAG"), bytes.Repeat([]byte{0}, 125)...)
	full := append(append(append([]byte{}, tag...), audio...), v1...)

	res, err := Analyze(full, ExtensionMP3)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.LegacyHash.IsZero() {
		t.Fatalf("expected a distinct legacy hash when ID3v1 was also stripped")
	}
	if res.Hash == res.LegacyHash {
		t.Fatalf("expected current hash to differ from legacy hash")
	}
}

func TestAnalyzeFLAC(t *testing.T) {
	streamInfo := buildFlacMetadataBlock(0, bytes.Repeat([]byte{0}, 34), true)
	audio := bytes.Repeat([]byte{0xAB}, 64)
	full := append([]byte("fLaC"), streamInfo...)
	full = append(full, audio...)

	res, err := Analyze(full, ExtensionFLAC)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := hashOf(audio)
	if res.Hash != want {
		t.Fatalf("Hash = %v, want %v", res.Hash, want)
	}
}

func TestExecutorRunsJobsSequentially(t *testing.T) {
	ex := NewExecutor()
	defer ex.Close()

	// Submit blocks until each job finishes, so three sequential calls
	// prove the worker processes one job at a time without needing any
	// extra synchronization in the test itself.
	order := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		i := i
		_, _ = ex.Submit(func() (Result, error) {
			order = append(order, i)
			return Result{}, nil
		})
	}
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Fatalf("expected sequential order [0 1 2], got %v", order)
	}
}
