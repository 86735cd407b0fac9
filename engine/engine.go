// Package engine implements the download orchestrator: the round loop
// that assigns outstanding blocks to peers, dispatches requests
// concurrently, collects results, and verifies pieces (spec.md §4.8).
package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arusso/goleech/assemble"
	"github.com/arusso/goleech/blockplan"
	"github.com/arusso/goleech/metainfo"
	"github.com/arusso/goleech/peerconn"
	"github.com/arusso/goleech/progress"
)

// ErrNoPeers is returned when Run is given an empty peer list.
var ErrNoPeers = errors.New("engine: no peers to download from")

var log = logrus.WithField("component", "engine")

// Peer is the subset of *peerconn.Session the orchestrator depends on.
// Declaring it as an interface here keeps the round loop's assignment
// and dispatch logic unit-testable without a real socket.
type Peer interface {
	Has(index int) bool
	Alive() bool
	DownloadBlock(b blockplan.Block) ([]byte, bool)
}

// Sessions converts a slice of dialed peer sessions to the Peer
// interface this package expects.
func Sessions(sessions []*peerconn.Session) []Peer {
	peers := make([]Peer, len(sessions))
	for i, s := range sessions {
		peers[i] = s
	}
	return peers
}

// Engine drives the round loop for one torrent against a fixed set of
// already-handshaken peer sessions.
type Engine struct {
	torrent   *metainfo.Torrent
	peers     []Peer
	assembler *assemble.Assembler
	sink      progress.Sink
}

// New constructs an Engine. peers must already have completed their
// handshake (see peerconn.Dial and Sessions).
func New(t *metainfo.Torrent, peers []Peer, sink progress.Sink) *Engine {
	if sink == nil {
		sink = progress.Discard
	}
	return &Engine{
		torrent:   t,
		peers:     peers,
		assembler: assemble.New(t),
		sink:      sink,
	}
}

type dispatchResult struct {
	block   blockplan.Block
	payload []byte
	ok      bool
}

// Run executes the round loop until the block plan is empty, then
// writes the assembled payload to disk and sets progress to 100.
func (e *Engine) Run() error {
	if len(e.peers) == 0 {
		return ErrNoPeers
	}

	plan := blockplan.New(e.torrent.TotalLength, e.torrent.PieceLength)
	totalBlocks := plan.Len()
	downloaded := 0

	for !plan.Empty() {
		pending := plan.Drain()
		assignments, deferred := assignRound(pending, e.peers)
		plan.Extend(deferred)

		results := dispatchRound(assignments)

		for _, r := range results {
			if r.ok {
				e.assembler.Add(r.block.Index, r.block.Begin, r.payload)
				downloaded++
				e.sink.Set(100 * downloaded / totalBlocks)
			} else {
				plan.Add(r.block)
			}
		}

		failed := e.assembler.GetFailed()
		downloaded -= len(failed)
		if len(failed) > 0 {
			log.WithField("count", len(failed)).Warn("re-queueing failed pieces")
		}
		plan.Extend(failed)
	}

	if err := e.assembler.Save(); err != nil {
		return fmt.Errorf("engine: saving payload: %w", err)
	}
	e.sink.Set(100)
	log.Info("download complete")
	return nil
}

// assignRound pairs each pending block with a peer, at most one block
// per peer, chosen uniformly at random among the peers that advertise
// the block's piece and haven't been assigned yet this round. A block
// with no eligible peer is returned in deferred instead.
func assignRound(pending []blockplan.Block, peers []Peer) (map[Peer]blockplan.Block, []blockplan.Block) {
	assigned := make(map[Peer]blockplan.Block)
	used := make(map[Peer]bool)
	var deferred []blockplan.Block

	for _, b := range pending {
		var candidates []Peer
		for _, s := range peers {
			if used[s] || !s.Alive() {
				continue
			}
			if s.Has(b.Index) {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			deferred = append(deferred, b)
			continue
		}
		chosen := candidates[rand.Intn(len(candidates))]
		assigned[chosen] = b
		used[chosen] = true
	}
	return assigned, deferred
}

// dispatchRound issues every assigned download concurrently and
// awaits the barrier of all of them before returning.
func dispatchRound(assigned map[Peer]blockplan.Block) []dispatchResult {
	results := make([]dispatchResult, 0, len(assigned))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for session, block := range assigned {
		wg.Add(1)
		go func(s Peer, b blockplan.Block) {
			defer wg.Done()
			payload, ok := s.DownloadBlock(b)
			mu.Lock()
			results = append(results, dispatchResult{block: b, payload: payload, ok: ok})
			mu.Unlock()
		}(session, block)
	}
	wg.Wait()
	return results
}
