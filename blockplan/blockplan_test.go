package blockplan

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTilesPayload covers S6 of §8: a 40000-byte payload at piece
// length 32768 produces exactly the blocks
// [(0,0,16384),(0,16384,16384),(1,0,7232)].
func TestNewTilesPayload(t *testing.T) {
	p := New(40000, 32768)
	got := p.Drain()
	want := []Block{
		{Index: 0, Begin: 0, Length: 16384},
		{Index: 0, Begin: 16384, Length: 16384},
		{Index: 1, Begin: 0, Length: 7232},
	}
	assert.Equal(t, want, got)
}

// TestNewCoversPayloadExactly covers law 5 of §8: the initial block set
// exactly tiles [0, totalLength) with no gaps or overlaps, for a size
// that isn't a tidy multiple of BlockSize or pieceLength.
func TestNewCoversPayloadExactly(t *testing.T) {
	const total = 100000
	const pieceLength = 32768 // divisible by BlockSize
	p := New(total, pieceLength)
	blocks := p.Drain()

	type span struct{ start, end int }
	var spans []span
	for _, b := range blocks {
		start := b.Index*pieceLength + b.Begin
		spans = append(spans, span{start, start + b.Length})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	require.NotEmpty(t, spans)
	assert.Equal(t, 0, spans[0].start)
	for i := 1; i < len(spans); i++ {
		assert.Equal(t, spans[i-1].end, spans[i].start, "gap or overlap before block %d", i)
	}
	assert.Equal(t, total, spans[len(spans)-1].end)
}

func TestDrainEmptiesPlan(t *testing.T) {
	p := New(16384, 16384)
	assert.False(t, p.Empty())
	first := p.Drain()
	assert.NotEmpty(t, first)
	assert.True(t, p.Empty())
	assert.Empty(t, p.Drain())
}

func TestAddDeduplicatesByIdentity(t *testing.T) {
	p := New(0, 16384)
	b := Block{Index: 0, Begin: 0, Length: 16384}
	p.Add(b)
	p.Add(b)
	assert.Equal(t, 1, p.Len())
}

func TestExtendReAddsDeferredBlocks(t *testing.T) {
	p := New(0, 16384)
	blocks := []Block{
		{Index: 0, Begin: 0, Length: 16384},
		{Index: 1, Begin: 0, Length: 16384},
	}
	p.Extend(blocks)
	assert.Equal(t, 2, p.Len())
	got := p.Drain()
	assert.ElementsMatch(t, blocks, got)
}
