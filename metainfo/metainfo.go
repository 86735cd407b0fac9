// Package metainfo parses a .torrent file's bencoded dictionary into a
// typed torrent descriptor, computing the info-hash from the exact
// source bytes of the "info" sub-dictionary.
package metainfo

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/arusso/goleech/bencode"
)

// ErrInvalidMetainfo is returned for any structural violation of the
// torrent schema: a missing or ill-typed field, or a piece length that
// is not a positive multiple of BlockSize.
var ErrInvalidMetainfo = errors.New("metainfo: invalid torrent file")

// BlockSize is the fixed block unit described in spec.md §3: every
// block is exactly this many bytes except the final block of the final
// piece, which may be shorter.
const BlockSize = 16384

// peerIDPrefix identifies this client to trackers and peers, per
// spec.md §3: ASCII "-PC0001-" followed by 12 random digits.
const peerIDPrefix = "-PC0001-"

// FileEntry is one file within a torrent's layout. For a single-file
// torrent, Files holds exactly one entry whose Path equals Name and
// whose Offset is 0; goleech never special-cases that in file-writing
// logic, only in output-path construction (see Torrent.OutputPath).
type FileEntry struct {
	Path   string // relative path, joined components
	Length int
	Offset int // start offset within the full concatenated payload
}

var log = logrus.WithField("component", "metainfo")

// Torrent is the typed torrent descriptor of spec.md §3.
type Torrent struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	PieceLength int
	Pieces      [][20]byte
	TotalLength int
	Name        string
	Files       []FileEntry
}

// Multi reports whether this torrent describes more than one file.
func (t *Torrent) Multi() bool {
	return len(t.Files) > 1 || (len(t.Files) == 1 && t.Files[0].Path != t.Name)
}

// OutputPath returns the path, relative to an output directory, at
// which f should be written: just its Path for a single-file torrent,
// or Name joined with its Path for a multi-file torrent.
func (t *Torrent) OutputPath(f FileEntry) string {
	if !t.Multi() {
		return f.Path
	}
	return filepath.Join(t.Name, f.Path)
}

// NumPieces returns ceil(TotalLength / PieceLength).
func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// Parse decodes raw torrent-file bytes into a Torrent and assigns it a
// freshly generated local peer-id.
func Parse(raw []byte) (*Torrent, error) {
	top, rest, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}
	_ = rest
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top level value is not a dictionary", ErrInvalidMetainfo)
	}

	announce, ok := top.Dict["announce"]
	if !ok || announce.Kind != bencode.KindString || len(announce.Str) == 0 {
		return nil, fmt.Errorf("%w: missing or empty \"announce\"", ErrInvalidMetainfo)
	}

	infoVal, ok := top.Dict["info"]
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing or malformed \"info\" dictionary", ErrInvalidMetainfo)
	}
	infoSpan := raw[infoVal.Start:infoVal.End]
	infoHash := sha1.Sum(infoSpan)

	pieceLength, ok := infoVal.Dict["piece length"]
	if !ok || pieceLength.Kind != bencode.KindInt || pieceLength.Int <= 0 || pieceLength.Int%BlockSize != 0 {
		return nil, fmt.Errorf("%w: \"piece length\" must be a positive multiple of %d", ErrInvalidMetainfo, BlockSize)
	}

	piecesVal, ok := infoVal.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindString || len(piecesVal.Str)%20 != 0 {
		return nil, fmt.Errorf("%w: \"pieces\" must be a byte string whose length is a multiple of 20", ErrInvalidMetainfo)
	}
	pieces := splitPieceHashes(piecesVal.Str)

	nameVal, ok := infoVal.Dict["name"]
	if !ok || nameVal.Kind != bencode.KindString || len(nameVal.Str) == 0 {
		return nil, fmt.Errorf("%w: missing or empty \"name\"", ErrInvalidMetainfo)
	}
	name := string(nameVal.Str)

	files, totalLength, err := parseLayout(infoVal, name)
	if err != nil {
		return nil, err
	}

	expectedPieces := (totalLength + int(pieceLength.Int) - 1) / int(pieceLength.Int)
	if expectedPieces != len(pieces) {
		return nil, fmt.Errorf("%w: expected %d piece hashes for a %d-byte payload at piece length %d, got %d",
			ErrInvalidMetainfo, expectedPieces, totalLength, pieceLength.Int, len(pieces))
	}

	peerID, err := newPeerID()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate peer id: %v", ErrInvalidMetainfo, err)
	}

	t := &Torrent{
		AnnounceURL: string(announce.Str),
		InfoHash:    infoHash,
		PeerID:      peerID,
		PieceLength: int(pieceLength.Int),
		Pieces:      pieces,
		TotalLength: totalLength,
		Name:        name,
		Files:       files,
	}
	log.WithFields(logrus.Fields{
		"name":      name,
		"pieces":    len(pieces),
		"info_hash": fmt.Sprintf("%x", infoHash),
	}).Info("parsed torrent")
	return t, nil
}

func splitPieceHashes(pieces []byte) [][20]byte {
	out := make([][20]byte, len(pieces)/20)
	for i := range out {
		copy(out[i][:], pieces[i*20:(i+1)*20])
	}
	return out
}

// parseLayout extracts the file layout from the info dictionary: a
// single-file torrent carries "length" directly, a multi-file torrent
// carries a "files" list of {length, path} entries under "name".
func parseLayout(info *bencode.Value, name string) ([]FileEntry, int, error) {
	if filesVal, ok := info.Dict["files"]; ok {
		if filesVal.Kind != bencode.KindList {
			return nil, 0, fmt.Errorf("%w: \"files\" is not a list", ErrInvalidMetainfo)
		}
		files := make([]FileEntry, 0, len(filesVal.List))
		offset := 0
		for i, fv := range filesVal.List {
			if fv.Kind != bencode.KindDict {
				return nil, 0, fmt.Errorf("%w: file entry %d is not a dictionary", ErrInvalidMetainfo, i)
			}
			lengthVal, ok := fv.Dict["length"]
			if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
				return nil, 0, fmt.Errorf("%w: file entry %d missing valid \"length\"", ErrInvalidMetainfo, i)
			}
			pathVal, ok := fv.Dict["path"]
			if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
				return nil, 0, fmt.Errorf("%w: file entry %d missing valid \"path\"", ErrInvalidMetainfo, i)
			}
			parts := make([]string, len(pathVal.List))
			for j, p := range pathVal.List {
				if p.Kind != bencode.KindString {
					return nil, 0, fmt.Errorf("%w: file entry %d path component %d is not a string", ErrInvalidMetainfo, i, j)
				}
				parts[j] = string(p.Str)
			}
			length := int(lengthVal.Int)
			files = append(files, FileEntry{
				Path:   filepath.Join(parts...),
				Length: length,
				Offset: offset,
			})
			offset += length
		}
		return files, offset, nil
	}

	lengthVal, ok := info.Dict["length"]
	if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
		return nil, 0, fmt.Errorf("%w: single-file torrent missing valid \"length\"", ErrInvalidMetainfo)
	}
	length := int(lengthVal.Int)
	return []FileEntry{{Path: name, Length: length, Offset: 0}}, length, nil
}

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	digits := make([]byte, 20-len(peerIDPrefix))
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, err
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	copy(id[len(peerIDPrefix):], digits)
	return id, nil
}
