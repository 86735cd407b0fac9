package assemble

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arusso/goleech/metainfo"
)

func singleFileTorrent(t *testing.T, payload []byte, pieceLength int) *metainfo.Torrent {
	t.Helper()
	var pieces [][20]byte
	for off := 0; off < len(payload); off += pieceLength {
		end := off + pieceLength
		if end > len(payload) {
			end = len(payload)
		}
		pieces = append(pieces, sha1.Sum(payload[off:end]))
	}
	return &metainfo.Torrent{
		PieceLength: pieceLength,
		Pieces:      pieces,
		TotalLength: len(payload),
		Name:        "out.bin",
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: len(payload), Offset: 0}},
	}
}

// TestGetFailedVerifiesOnFullPopulation checks that a piece whose
// blocks sum to its expected length and whose SHA-1 matches is
// verified, producing no failed blocks.
func TestGetFailedVerifiesOnFullPopulation(t *testing.T) {
	payload := []byte("0123456789abcdef") // 16 bytes
	torrent := singleFileTorrent(t, payload, 16)
	a := New(torrent)

	a.Add(0, 0, payload[0:8])
	a.Add(0, 8, payload[8:16])

	failed := a.GetFailed()
	assert.Empty(t, failed)
	assert.True(t, a.verified[0])
}

func TestGetFailedLeavesPartialPiecesAlone(t *testing.T) {
	payload := []byte("0123456789abcdef")
	torrent := singleFileTorrent(t, payload, 16)
	a := New(torrent)

	a.Add(0, 0, payload[0:8]) // only half the piece

	failed := a.GetFailed()
	assert.Empty(t, failed)
	assert.False(t, a.verified[0])
}

func TestGetFailedRequeuesHashMismatch(t *testing.T) {
	payload := []byte("0123456789abcdef")
	torrent := singleFileTorrent(t, payload, 16)
	a := New(torrent)

	a.Add(0, 0, []byte("XXXXXXXX"))
	a.Add(0, 8, payload[8:16])

	failed := a.GetFailed()
	require.Len(t, failed, 2)
	assert.False(t, a.verified[0])
	assert.Empty(t, a.blocks[0])
}

func TestGetFailedHandlesShortFinalPiece(t *testing.T) {
	payload := []byte("0123456789") // 10 bytes, piece length 8: final piece is 2 bytes
	torrent := singleFileTorrent(t, payload, 8)
	a := New(torrent)

	a.Add(0, 0, payload[0:8])
	a.Add(1, 0, payload[8:10])

	failed := a.GetFailed()
	assert.Empty(t, failed)
	assert.True(t, a.verified[0])
	assert.True(t, a.verified[1])
}

// TestSaveWritesSingleFile covers S6-adjacent behavior: a fully
// verified single-file torrent round-trips byte-for-byte.
func TestSaveWritesSingleFile(t *testing.T) {
	payload := []byte("0123456789abcdef")
	torrent := singleFileTorrent(t, payload, 16)
	torrent.Name = filepath.Join(t.TempDir(), "out.bin")
	torrent.Files = []metainfo.FileEntry{{Path: torrent.Name, Length: len(payload), Offset: 0}}

	a := New(torrent)
	a.Add(0, 0, payload[0:8])
	a.Add(0, 8, payload[8:16])
	require.Empty(t, a.GetFailed())

	require.NoError(t, a.Save())
	got, err := os.ReadFile(torrent.Name)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSaveSplitsMultiFileLayout(t *testing.T) {
	payload := []byte("aaaabbbbcc")
	dir := t.TempDir()
	torrent := &metainfo.Torrent{
		PieceLength: 16384,
		Pieces:      [][20]byte{sha1.Sum(payload)},
		TotalLength: len(payload),
		Name:        filepath.Join(dir, "bundle"),
		Files: []metainfo.FileEntry{
			{Path: "a.txt", Length: 4, Offset: 0},
			{Path: "b.txt", Length: 4, Offset: 4},
			{Path: "c.txt", Length: 2, Offset: 8},
		},
	}
	a := New(torrent)
	a.Add(0, 0, payload)
	require.Empty(t, a.GetFailed())
	require.NoError(t, a.Save())

	for _, f := range torrent.Files {
		got, err := os.ReadFile(torrent.OutputPath(f))
		require.NoError(t, err)
		assert.Equal(t, payload[f.Offset:f.Offset+f.Length], got)
	}
}
