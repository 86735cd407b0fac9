package wire

import (
	"bytes"
	"fmt"
)

// Protocol is the protocol string advertised in the handshake prologue.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed size of the handshake frame: 1 pstrlen
// byte, the protocol string, 8 reserved bytes, a 20-byte info-hash and
// a 20-byte peer-id.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Handshake serializes the 68-byte handshake prologue described in
// spec.md §4.4. All 8 reserved bytes are zero: extension negotiation
// (BEP 10) and DHT (BEP 5) are non-goals of this client.
func Handshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// buf[1+len(Protocol) : 1+len(Protocol)+8] stays zero (reserved).
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ParseHandshake validates a received handshake frame against the
// info-hash we sent and returns the remote peer-id.
func ParseHandshake(received []byte, wantInfoHash [20]byte) (peerID [20]byte, err error) {
	if len(received) < HandshakeSize {
		return peerID, fmt.Errorf("wire: handshake too short: %d bytes, want %d", len(received), HandshakeSize)
	}
	pstrlen := int(received[0])
	if pstrlen != len(Protocol) || string(received[1:1+pstrlen]) != Protocol {
		return peerID, fmt.Errorf("wire: handshake does not start with %q", Protocol)
	}
	gotHash := received[1+pstrlen+8 : 1+pstrlen+8+20]
	if !bytes.Equal(gotHash, wantInfoHash[:]) {
		return peerID, fmt.Errorf("wire: handshake info-hash mismatch")
	}
	copy(peerID[:], received[1+pstrlen+8+20:1+pstrlen+8+40])
	return peerID, nil
}
