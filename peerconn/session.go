// Package peerconn implements a single peer's TCP session: handshake,
// the receive loop, and choke/interest state (spec.md §4.5).
package peerconn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"

	"github.com/arusso/goleech/blockplan"
	"github.com/arusso/goleech/wire"
)

// ErrPeerFailure covers a handshake mismatch, socket error, or frame
// parse error on a session (spec.md §7).
var ErrPeerFailure = errors.New("peerconn: peer failure")

const (
	connectTimeout   = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	// idleTimeout is the natural quantum of a receive round (spec.md §5).
	idleTimeout = 1 * time.Second
)

// State is the four-flag choke/interest bundle of spec.md §3, plus
// whether the handshake has completed.
type State struct {
	RemoteChoking     bool
	RemoteInterested  bool
	WeChoking         bool
	WeInterested      bool
	HandshakeComplete bool
}

// Session owns a duplex byte stream to one peer. The connection is
// closed deterministically when the session is dropped (Close).
type Session struct {
	Addr string

	conn   net.Conn
	reader *bufio.Reader

	mu         sync.Mutex
	state      State
	advertised *bitset.BitSet
	dead       bool

	log *logrus.Entry
}

// Dial connects to addr, performs the handshake, and waits for the
// bitfield/initial burst that conventionally follows it. The returned
// session owns the connection; callers must Close it when done.
func Dial(addr string, infoHash, peerID [20]byte, numPieces int) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPeerFailure, addr, err)
	}

	s := &Session{
		Addr:       addr,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		advertised: bitset.New(uint(numPieces)),
		state:      State{RemoteChoking: true, WeChoking: true},
		log:        logrus.WithField("peer", addr),
	}

	if err := s.handshake(infoHash, peerID); err != nil {
		conn.Close()
		return nil, err
	}
	if _, _, err := s.receiveRound(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// handshake sends our handshake immediately, then waits (with timeout)
// for the peer's. A mismatched protocol string or info-hash discards
// the session.
func (s *Session) handshake(infoHash, peerID [20]byte) error {
	if err := s.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerFailure, err)
	}
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(wire.Handshake(infoHash, peerID)); err != nil {
		return fmt.Errorf("%w: sending handshake to %s: %v", ErrPeerFailure, s.Addr, err)
	}

	received := make([]byte, wire.HandshakeSize)
	if _, err := readFull(s.reader, received); err != nil {
		return fmt.Errorf("%w: reading handshake from %s: %v", ErrPeerFailure, s.Addr, err)
	}
	if _, err := wire.ParseHandshake(received, infoHash); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerFailure, err)
	}

	s.mu.Lock()
	s.state.HandshakeComplete = true
	s.mu.Unlock()
	s.log.Debug("handshake complete")
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Has reports whether the peer has advertised piece index, either via
// BITFIELD or HAVE.
func (s *Session) Has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertised.Test(uint(index))
}

// Alive reports whether the session is still usable. A peer that
// disconnects or sends a malformed frame is marked dead and silently
// excluded from future rounds (spec.md §5).
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// receiveRound collects every frame that arrives before idleTimeout
// elapses, applying choke/interest/bitfield/have state transitions as
// they arrive, and returns the PIECE messages seen in this round along
// with the total number of frames seen (including keep-alives and
// other non-PIECE messages) so a caller can tell an empty round (the
// peer sent nothing) from a round that only delivered unrelated
// traffic. Timeout is a normal termination of the round, not an error.
func (s *Session) receiveRound() (pieces []*wire.Message, seen int, err error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return pieces, seen, nil
		}
		msg, err := wire.ReadFrame(s.reader)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return pieces, seen, nil
			}
			s.mu.Lock()
			s.dead = true
			s.mu.Unlock()
			return pieces, seen, fmt.Errorf("%w: reading from %s: %v", ErrPeerFailure, s.Addr, err)
		}
		seen++
		if msg == nil {
			continue // keep-alive
		}
		if msg.Kind == wire.Piece {
			pieces = append(pieces, msg)
			continue
		}
		s.applyMessage(msg)
	}
}

func (s *Session) applyMessage(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Kind {
	case wire.Choke:
		s.state.RemoteChoking = true
	case wire.Unchoke:
		s.state.RemoteChoking = false
	case wire.Interested:
		s.state.RemoteInterested = true
	case wire.NotInterested:
		s.state.RemoteInterested = false
	case wire.Bitfield:
		for i := 0; i < len(msg.Bitfield)*8; i++ {
			byteIdx, bit := i/8, 7-i%8
			if msg.Bitfield[byteIdx]>>uint(bit)&1 != 0 {
				s.advertised.Set(uint(i))
			}
		}
	case wire.Have:
		s.advertised.Set(uint(msg.Index))
	}
}

// DownloadBlock attempts to download a single block, per spec.md §4.5:
// declare interest on first use and drain one round to learn choke
// state; if not choked, request the block and then drain successive
// receive-rounds, checking each for a matching PIECE, until one is
// found or a round comes back completely empty. An intervening round
// that only carries HAVE/BITFIELD/keep-alive traffic is not a failure
// and does not end the attempt — only an empty round does. Any
// transport error, decode error, or an empty round without a match
// aborts the attempt — the caller re-queues the block. ok is false in
// every failure case.
func (s *Session) DownloadBlock(b blockplan.Block) (payload []byte, ok bool) {
	s.mu.Lock()
	firstInterest := !s.state.WeInterested
	s.mu.Unlock()

	if firstInterest {
		if _, err := s.conn.Write(wire.Serialize(wire.InterestedMsg)); err != nil {
			s.markDead()
			return nil, false
		}
		s.mu.Lock()
		s.state.WeInterested = true
		s.mu.Unlock()
		if _, _, err := s.receiveRound(); err != nil {
			return nil, false
		}
	}

	s.mu.Lock()
	choking := s.state.RemoteChoking
	s.mu.Unlock()
	if choking {
		return nil, false
	}

	req := wire.RequestMsg(uint32(b.Index), uint32(b.Begin), uint32(b.Length))
	if _, err := s.conn.Write(wire.Serialize(req)); err != nil {
		s.markDead()
		return nil, false
	}

	for {
		pieces, seen, err := s.receiveRound()
		if err != nil {
			return nil, false
		}
		for _, p := range pieces {
			if int(p.Index) == b.Index && int(p.Begin) == b.Begin {
				return p.Block, true
			}
		}
		if seen == 0 {
			return nil, false
		}
	}
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}
