package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arusso/goleech/bencode"
)

// buildTorrent assembles canonical torrent-file bytes for a given info
// dictionary, mirroring what a real .torrent file looks like on disk.
func buildTorrent(t *testing.T, announce string, info *bencode.Value) []byte {
	t.Helper()
	top := &bencode.Value{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
		"announce": bencode.String(announce),
		"info":     info,
	}}
	return bencode.Encode(top)
}

func singleFileInfo(name string, length, pieceLength int, pieces []byte) *bencode.Value {
	return &bencode.Value{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
		"name":         bencode.String(name),
		"length":       bencode.Int(int64(length)),
		"piece length": bencode.Int(int64(pieceLength)),
		"pieces":       {Kind: bencode.KindString, Str: pieces},
	}}
}

func TestParseSingleFile(t *testing.T) {
	// 40000-byte payload at piece length 32768 (S6 of §8): two full
	// pieces' worth of hash slots minus the short final piece.
	pieces := bytes.Repeat([]byte{0xAB}, 40)
	raw := buildTorrent(t, "http://tracker.example/announce", singleFileInfo("file.iso", 40000, 32768, pieces))

	tf, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example/announce", tf.AnnounceURL)
	assert.Equal(t, 32768, tf.PieceLength)
	assert.Equal(t, 40000, tf.TotalLength)
	assert.Len(t, tf.Pieces, 2)
	assert.False(t, tf.Multi())
	require.Len(t, tf.Files, 1)
	assert.Equal(t, "file.iso", tf.Files[0].Path)
	assert.Equal(t, "-PC0001-", string(tf.PeerID[:8]))
}

func TestParseMultiFile(t *testing.T) {
	pieces := bytes.Repeat([]byte{0xCD}, 20)
	info := &bencode.Value{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
		"name":         bencode.String("show"),
		"piece length": bencode.Int(16384),
		"pieces":       {Kind: bencode.KindString, Str: pieces},
		"files": {Kind: bencode.KindList, List: []*bencode.Value{
			{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
				"length": bencode.Int(10000),
				"path":   {Kind: bencode.KindList, List: []*bencode.Value{bencode.String("a.txt")}},
			}},
			{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
				"length": bencode.Int(6384),
				"path":   {Kind: bencode.KindList, List: []*bencode.Value{bencode.String("sub"), bencode.String("b.txt")}},
			}},
		}},
	})
	raw := buildTorrent(t, "http://tracker.example/announce", info)

	tf, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, tf.Multi())
	assert.Equal(t, 16384, tf.TotalLength)
	require.Len(t, tf.Files, 2)
	assert.Equal(t, 0, tf.Files[0].Offset)
	assert.Equal(t, 10000, tf.Files[1].Offset)
	assert.Equal(t, "show/a.txt", tf.OutputPath(tf.Files[0]))
}

// TestInfoHashStability checks law 3 of §8: the info-hash does not
// depend on how the "info" value happens to be laid out byte-for-byte
// in the source, only on its decoded content — as long as the source
// is itself canonical.
func TestInfoHashStability(t *testing.T) {
	info := singleFileInfo("x", 16384, 16384, bytes.Repeat([]byte{0x11}, 20))
	raw := buildTorrent(t, "http://t", info)

	tf, err := Parse(raw)
	require.NoError(t, err)

	infoVal, _, err := bencode.Decode(bencode.Encode(info))
	require.NoError(t, err)
	expected := sha1.Sum(bencode.Encode(infoVal))
	assert.Equal(t, expected, tf.InfoHash)
}

func TestParseRejectsBadPieceLength(t *testing.T) {
	info := singleFileInfo("x", 100, 100, bytes.Repeat([]byte{0x01}, 20)) // not a multiple of BlockSize
	raw := buildTorrent(t, "http://t", info)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidMetainfo)
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	info := singleFileInfo("x", 40000, 16384, bytes.Repeat([]byte{0x01}, 20)) // needs 3 hashes, has 1
	raw := buildTorrent(t, "http://t", info)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidMetainfo)
}

func TestParseRejectsMissingInfo(t *testing.T) {
	top := &bencode.Value{Kind: bencode.KindDict, Dict: map[string]*bencode.Value{
		"announce": bencode.String("http://t"),
	}}
	_, err := Parse(bencode.Encode(top))
	assert.ErrorIs(t, err, ErrInvalidMetainfo)
}

func TestParseRejectsMalformedBencode(t *testing.T) {
	_, err := Parse([]byte("not bencode"))
	assert.ErrorIs(t, err, ErrInvalidMetainfo)
}
