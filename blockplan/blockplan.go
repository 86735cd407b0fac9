// Package blockplan enumerates the blocks that make up a torrent's
// payload and tracks the pending pool the orchestrator drains and
// refills each round (spec.md §4.6).
package blockplan

import "sync"

// BlockSize is the fixed request unit; only the final block of the
// final piece may be shorter.
const BlockSize = 16384

// Block identifies one outstanding request: a piece index, a byte
// offset within that piece (a multiple of BlockSize), and a length.
// Two blocks are the same block iff Index and Begin match.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// Plan is the mutable pending pool of not-yet-downloaded blocks. It is
// mutated only by the orchestrator's main goroutine between round
// barriers (spec.md §5), but the mutex makes it safe to share if a
// caller chooses otherwise.
type Plan struct {
	mu      sync.Mutex
	pending []Block
	present map[Block]bool
}

// New partitions [0, totalLength) into BlockSize-aligned blocks, each
// tagged with the piece it falls in given pieceLength, and seeds a Plan
// with all of them pending.
func New(totalLength, pieceLength int) *Plan {
	p := &Plan{present: make(map[Block]bool)}
	for offset := 0; offset < totalLength; offset += BlockSize {
		length := BlockSize
		if remaining := totalLength - offset; remaining < length {
			length = remaining
		}
		b := Block{
			Index:  offset / pieceLength,
			Begin:  offset % pieceLength,
			Length: length,
		}
		p.pending = append(p.pending, b)
		p.present[b] = true
	}
	return p
}

// Drain removes and returns every currently pending block.
func (p *Plan) Drain() []Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.pending
	p.pending = nil
	for _, b := range drained {
		delete(p.present, b)
	}
	return drained
}

// Add appends b to the pending pool unless a block with the same
// identity (Index, Begin) is already pending.
func (p *Plan) Add(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(b)
}

func (p *Plan) addLocked(b Block) {
	for q := range p.present {
		if q.Index == b.Index && q.Begin == b.Begin {
			return
		}
	}
	p.pending = append(p.pending, b)
	p.present[b] = true
}

// Extend adds every block in blocks, applying the same not-already-present rule as Add.
func (p *Plan) Extend(blocks []Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range blocks {
		p.addLocked(b)
	}
}

// Empty reports whether the pending pool currently holds no blocks.
func (p *Plan) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0
}

// Len reports how many blocks are currently pending.
func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
