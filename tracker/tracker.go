// Package tracker implements the HTTP GET announce call and decodes
// both peer-list forms a tracker may reply with (spec.md §4.3).
package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arusso/goleech/bencode"
)

// ErrTrackerFailure covers a non-200 response, a tracker-reported
// failure reason, a malformed bencoded body, or a missing/malformed
// peers key (spec.md §7).
var ErrTrackerFailure = errors.New("tracker: announce failed")

const (
	httpTimeout = 30 * time.Second
	clientPort  = 59696
)

// Response is the decoded announce reply this client cares about: the
// re-announce interval (ignored by the orchestrator; a single
// announce is all this client ever performs) and the compact peer
// addresses.
type Response struct {
	Interval int
	Peers    []string
}

var log = logrus.WithField("component", "tracker")

// Announce performs a single HTTP GET announce with event=started and
// returns the peer list. left is the number of bytes not yet
// downloaded (the torrent's total length, for a fresh download).
func Announce(announceURL string, infoHash, peerID [20]byte, left int) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing announce URL: %v", ErrTrackerFailure, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported tracker scheme %q", ErrTrackerFailure, u.Scheme)
	}

	u.RawQuery = url.Values{
		"info_hash":  []string{string(infoHash[:])},
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{strconv.Itoa(clientPort)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{strconv.Itoa(left)},
		"compact":    []string{"1"},
		"event":      []string{"started"},
	}.Encode()

	log.WithField("url", u.Host).Debug("announcing")

	client := http.Client{Timeout: httpTimeout}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: requesting %s: %v", ErrTrackerFailure, u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tracker returned status %s", ErrTrackerFailure, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTrackerFailure, err)
	}

	return parseResponse(body)
}

func parseResponse(body []byte) (*Response, error) {
	val, _, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTrackerFailure, err)
	}
	if val.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: response is not a dictionary", ErrTrackerFailure)
	}

	if reason, ok := val.Dict["failure reason"]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, reason.Str)
	}

	interval := 0
	if iv, ok := val.Dict["interval"]; ok {
		interval = int(iv.Int)
	}

	peersVal, ok := val.Dict["peers"]
	if !ok {
		return nil, fmt.Errorf("%w: response missing peers key", ErrTrackerFailure)
	}

	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

// parsePeers accepts either form a tracker may reply with: the compact
// (BEP 23) byte string, or a list of {ip, port} dictionaries.
func parsePeers(peersVal *bencode.Value) ([]string, error) {
	switch peersVal.Kind {
	case bencode.KindString:
		return parseCompactPeers(peersVal.Str)
	case bencode.KindList:
		return parseListPeers(peersVal.List)
	default:
		return nil, fmt.Errorf("%w: peers value is neither a byte string nor a list", ErrTrackerFailure)
	}
}

// parseCompactPeers decodes the compact (BEP 23) peers string: 6 bytes
// per peer, a 4-byte big-endian IPv4 address then a 2-byte big-endian
// port.
func parseCompactPeers(raw []byte) ([]string, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, fmt.Errorf("%w: peers length %d not a multiple of %d", ErrTrackerFailure, len(raw), peerSize)
	}

	peers := make([]string, 0, len(raw)/peerSize)
	for i := 0; i+peerSize <= len(raw); i += peerSize {
		ip := net.IP(raw[i : i+4])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return peers, nil
}

// parseListPeers decodes the non-compact peers form: a list of
// dictionaries each carrying an "ip" byte-string and a "port" integer.
func parseListPeers(list []*bencode.Value) ([]string, error) {
	peers := make([]string, 0, len(list))
	for i, entry := range list {
		if entry.Kind != bencode.KindDict {
			return nil, fmt.Errorf("%w: peer entry %d is not a dictionary", ErrTrackerFailure, i)
		}
		ipVal, ok := entry.Dict["ip"]
		if !ok || ipVal.Kind != bencode.KindString {
			return nil, fmt.Errorf("%w: peer entry %d missing valid \"ip\"", ErrTrackerFailure, i)
		}
		portVal, ok := entry.Dict["port"]
		if !ok || portVal.Kind != bencode.KindInt {
			return nil, fmt.Errorf("%w: peer entry %d missing valid \"port\"", ErrTrackerFailure, i)
		}
		peers = append(peers, net.JoinHostPort(string(ipVal.Str), strconv.FormatInt(portVal.Int, 10)))
	}
	return peers, nil
}
