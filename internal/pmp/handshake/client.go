package handshake

import (
	"bufio"
	"fmt"
	"io"

	pmperrors "github.com/hyperquantum/pmp/internal/errors"
)

// ClientHandshake performs the client side of the handshake: read the
// server's banner, write the "binary" token, exchange binary hellos, then
// exchange extension announcements. discriminator, if non-empty, is sent as
// a space-separated suffix on the token line. The returned *bufio.Reader
// must be used for all subsequent reads from rw.
func ClientHandshake(rw io.ReadWriter, discriminator string, clientVersion uint16, clientExtensions []Extension) (*Result, *bufio.Reader, error) {
	br := bufio.NewReader(rw)
	banner, err := readTextLine(br)
	if err != nil {
		return nil, nil, err
	}
	if len(banner) < 3 || banner[:3] != "PMP" {
		return nil, nil, pmperrors.NewHandshakeError("client.readBanner", fmt.Errorf("unexpected banner %q", banner))
	}

	token := "binary"
	if discriminator != "" {
		token = "binary " + discriminator
	}
	if _, err := fmt.Fprintf(rw, "%s;", token); err != nil {
		return nil, nil, pmperrors.NewHandshakeError("client.writeToken", err)
	}

	if err := writeHello(rw, clientVersion); err != nil {
		return nil, nil, pmperrors.NewHandshakeError("client.writeHello", err)
	}
	peerVersion, err := readHello(br)
	if err != nil {
		return nil, nil, err
	}

	if err := writeExtensions(rw, clientExtensions); err != nil {
		return nil, nil, err
	}
	peerExts, err := readExtensions(br)
	if err != nil {
		return nil, nil, err
	}

	return &Result{
		NegotiatedVersion: negotiate(clientVersion, peerVersion),
		PeerVersion:       peerVersion,
		PeerExtensions:    peerExts,
	}, br, nil
}
