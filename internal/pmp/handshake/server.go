package handshake

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	pmperrors "github.com/hyperquantum/pmp/internal/errors"
)

// ServerHandshake performs the server side of the handshake: write the
// banner, read the client's text token, exchange binary hellos, then
// exchange extension announcements. The returned *bufio.Reader must be used
// for all subsequent reads from rw — it may already hold buffered bytes the
// client sent immediately after the handshake.
func ServerHandshake(rw io.ReadWriter, bannerText string, serverVersion uint16, serverExtensions []Extension) (*Result, *bufio.Reader, error) {
	if _, err := fmt.Fprintf(rw, "PMP %s;", bannerText); err != nil {
		return nil, nil, pmperrors.NewHandshakeError("server.writeBanner", err)
	}

	br := bufio.NewReader(rw)
	token, err := readTextLine(br)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasPrefix(token, "binary") {
		return nil, nil, pmperrors.NewHandshakeError("server.readToken", fmt.Errorf("unexpected token %q", token))
	}

	peerVersion, err := readHello(br)
	if err != nil {
		return nil, nil, err
	}
	if err := writeHello(rw, serverVersion); err != nil {
		return nil, nil, pmperrors.NewHandshakeError("server.writeHello", err)
	}

	peerExts, err := readExtensions(br)
	if err != nil {
		return nil, nil, err
	}
	if err := writeExtensions(rw, serverExtensions); err != nil {
		return nil, nil, err
	}

	return &Result{
		NegotiatedVersion: negotiate(serverVersion, peerVersion),
		PeerVersion:       peerVersion,
		PeerExtensions:    peerExts,
	}, br, nil
}
