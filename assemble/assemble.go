// Package assemble groups downloaded blocks by piece, verifies each
// piece's SHA-1 hash, and writes the final payload to disk
// (spec.md §4.7).
package assemble

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/arusso/goleech/blockplan"
	"github.com/arusso/goleech/metainfo"
)

// ErrHashMismatch names the condition of a fully populated piece
// failing its SHA-1 check. GetFailed does not return it: callers see
// that piece's blocks in GetFailed's result instead.
var ErrHashMismatch = errors.New("assemble: piece hash mismatch")

type blockEntry struct {
	begin   int
	payload []byte
}

// Assembler accumulates downloaded blocks and reassembles them into
// the torrent's declared file layout. It is mutated only by the
// orchestrator's main goroutine between round barriers; it holds no
// lock of its own for that reason, matching the engine's
// single-threaded cooperative model.
type Assembler struct {
	torrent  *metainfo.Torrent
	blocks   map[int][]blockEntry // piece index -> its blocks
	verified map[int]bool

	log *logrus.Entry
}

// New creates an Assembler for t.
func New(t *metainfo.Torrent) *Assembler {
	return &Assembler{
		torrent:  t,
		blocks:   make(map[int][]blockEntry),
		verified: make(map[int]bool),
		log:      logrus.WithField("component", "assemble"),
	}
}

// Add records a successfully downloaded block.
func (a *Assembler) Add(index, begin int, payload []byte) {
	a.blocks[index] = append(a.blocks[index], blockEntry{begin: begin, payload: payload})
}

// pieceLength returns the expected byte length of piece index: the
// torrent's declared piece length, except for the final piece which
// may be shorter.
func (a *Assembler) pieceLength(index int) int {
	if index == len(a.torrent.Pieces)-1 {
		if remainder := a.torrent.TotalLength % a.torrent.PieceLength; remainder != 0 {
			return remainder
		}
	}
	return a.torrent.PieceLength
}

// GetFailed checks every not-yet-verified piece that currently holds
// enough bytes to equal its expected length. A piece whose
// concatenated, offset-sorted blocks hash-match is marked verified. A
// piece that is fully populated but hash-mismatches has its blocks
// dropped from the downloaded set and returned as fresh blocks for the
// orchestrator to re-queue. Pieces not yet fully populated are left
// alone.
func (a *Assembler) GetFailed() []blockplan.Block {
	var failed []blockplan.Block
	for index, entries := range a.blocks {
		if a.verified[index] {
			continue
		}
		expected := a.pieceLength(index)
		total := 0
		for _, e := range entries {
			total += len(e.payload)
		}
		if total != expected {
			continue // not yet fully populated
		}

		sorted := append([]blockEntry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].begin < sorted[j].begin })

		payload := make([]byte, 0, expected)
		for _, e := range sorted {
			payload = append(payload, e.payload...)
		}

		sum := sha1.Sum(payload)
		if sum == a.torrent.Pieces[index] {
			a.verified[index] = true
			a.log.WithField("piece", index).Debug("piece verified")
			continue
		}

		a.log.WithField("piece", index).Warn("piece hash mismatch, re-queueing")
		for _, e := range sorted {
			failed = append(failed, blockplan.Block{Index: index, Begin: e.begin, Length: len(e.payload)})
		}
		delete(a.blocks, index)
	}
	return failed
}

// Save writes the full payload to disk. All pieces are assumed
// verified by the time the orchestrator calls this: it concatenates
// every piece's blocks, in (index, offset) order, and splits that
// payload across the torrent's declared files.
func (a *Assembler) Save() error {
	payload := make([]byte, 0, a.torrent.TotalLength)
	for index := 0; index < len(a.torrent.Pieces); index++ {
		entries := a.blocks[index]
		sorted := append([]blockEntry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].begin < sorted[j].begin })
		for _, e := range sorted {
			payload = append(payload, e.payload...)
		}
	}
	if len(payload) != a.torrent.TotalLength {
		return fmt.Errorf("assemble: assembled %d bytes, want %d", len(payload), a.torrent.TotalLength)
	}

	if !a.torrent.Multi() {
		return os.WriteFile(a.torrent.Name, payload, 0o644)
	}

	for _, f := range a.torrent.Files {
		path := a.torrent.OutputPath(f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("assemble: creating directory for %s: %w", path, err)
		}
		if err := os.WriteFile(path, payload[f.Offset:f.Offset+f.Length], 0o644); err != nil {
			return fmt.Errorf("assemble: writing %s: %w", path, err)
		}
	}
	return nil
}
