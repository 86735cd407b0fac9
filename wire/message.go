// Package wire implements the BitTorrent peer wire protocol: the
// handshake prologue and the length-prefixed message stream layered
// over it (spec.md §4.4).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned when a length prefix, message ID, or
// payload size disagree with the message table in spec.md §4.4.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Kind identifies a message's ID byte. Keep-alive messages have no ID
// byte and are represented by a nil *Message instead of a Kind value.
type Kind uint8

const (
	Choke Kind = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (k Kind) String() string {
	switch k {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is a single peer-wire message. A nil *Message denotes a
// keep-alive (zero-length-prefix) frame.
type Message struct {
	Kind Kind

	Index  uint32 // have, request, piece, cancel
	Begin  uint32 // request, piece, cancel
	Length uint32 // request, cancel

	Bitfield []byte // bitfield
	Block    []byte // piece

	ListenPort uint16 // port
}

// Choke and interest messages are stateless singletons. A keep-alive
// has no singleton: it is a nil *Message.
var (
	ChokeMsg         = &Message{Kind: Choke}
	UnchokeMsg       = &Message{Kind: Unchoke}
	InterestedMsg    = &Message{Kind: Interested}
	NotInterestedMsg = &Message{Kind: NotInterested}
)

// HaveMsg builds a HAVE message announcing piece index.
func HaveMsg(index uint32) *Message {
	return &Message{Kind: Have, Index: index}
}

// BitfieldMsg builds a BITFIELD message from bit-packed availability.
func BitfieldMsg(bits []byte) *Message {
	return &Message{Kind: Bitfield, Bitfield: bits}
}

// RequestMsg builds a REQUEST message for a block.
func RequestMsg(index, begin, length uint32) *Message {
	return &Message{Kind: Request, Index: index, Begin: begin, Length: length}
}

// PieceMsg builds a PIECE message carrying a downloaded block.
func PieceMsg(index, begin uint32, block []byte) *Message {
	return &Message{Kind: Piece, Index: index, Begin: begin, Block: block}
}

// CancelMsg builds a CANCEL message for a block.
func CancelMsg(index, begin, length uint32) *Message {
	return &Message{Kind: Cancel, Index: index, Begin: begin, Length: length}
}

// PortMsg builds a PORT message advertising a DHT listen port.
func PortMsg(port uint16) *Message {
	return &Message{Kind: Port, ListenPort: port}
}

// Serialize renders m as the exact big-endian length-prefixed frame
// described in spec.md §4.4. A nil Message serializes to the 4-byte
// zero-length keep-alive frame.
func Serialize(m *Message) []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}
	var body []byte
	switch m.Kind {
	case Choke, Unchoke, Interested, NotInterested:
		body = []byte{byte(m.Kind)}
	case Have:
		body = make([]byte, 5)
		body[0] = byte(m.Kind)
		binary.BigEndian.PutUint32(body[1:], m.Index)
	case Bitfield:
		body = make([]byte, 1+len(m.Bitfield))
		body[0] = byte(m.Kind)
		copy(body[1:], m.Bitfield)
	case Request, Cancel:
		body = make([]byte, 13)
		body[0] = byte(m.Kind)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		binary.BigEndian.PutUint32(body[9:13], m.Length)
	case Piece:
		body = make([]byte, 9+len(m.Block))
		body[0] = byte(m.Kind)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		copy(body[9:], m.Block)
	case Port:
		body = make([]byte, 3)
		body[0] = byte(m.Kind)
		binary.BigEndian.PutUint16(body[1:], m.ListenPort)
	default:
		body = []byte{byte(m.Kind)}
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// ParseBody parses a message body (the ID byte plus payload, with the
// length prefix already stripped and validated) into a Message.
func ParseBody(body []byte) (*Message, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}
	kind := Kind(body[0])
	payload := body[1:]

	switch kind {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: %s carries a non-empty payload", ErrMalformedFrame, kind)
		}
		return &Message{Kind: kind}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: have payload length %d, want 4", ErrMalformedFrame, len(payload))
		}
		return &Message{Kind: kind, Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return &Message{Kind: kind, Bitfield: payload}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: %s payload length %d, want 12", ErrMalformedFrame, kind, len(payload))
		}
		return &Message{
			Kind:   kind,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece payload length %d, want at least 8", ErrMalformedFrame, len(payload))
		}
		return &Message{
			Kind:  kind,
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: payload[8:],
		}, nil
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("%w: port payload length %d, want 2", ErrMalformedFrame, len(payload))
		}
		return &Message{Kind: kind, ListenPort: binary.BigEndian.Uint16(payload)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message id %d", ErrMalformedFrame, kind)
	}
}

// ReadFrame reads exactly one frame from r: a nil Message and nil error
// for a keep-alive, a parsed Message otherwise. Any read or parse
// failure is wrapped in ErrMalformedFrame (if parsing) or returned
// as-is (if it is a transport error, e.g. io.EOF or a timeout).
func ReadFrame(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return ParseBody(body)
}
