// Command goleech downloads a single torrent's payload and exits: a
// leech-only client with no seeding, no DHT, no resume (spec.md §1).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/arusso/goleech/engine"
	"github.com/arusso/goleech/metainfo"
	"github.com/arusso/goleech/peerconn"
	"github.com/arusso/goleech/tracker"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s [options] <torrent-file>

    -o output-dir   Optional: directory to write the downloaded file(s) into.
                    Defaults to the current directory.
    -v              Enable debug logging.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var outDir string
	var verbose bool
	flag.Usage = usage
	flag.StringVar(&outDir, "o", "", "")
	flag.BoolVar(&verbose, "v", false, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(flag.Arg(0), outDir); err != nil {
		logrus.WithError(err).Error("download failed")
		os.Exit(1)
	}
}

func run(torrentPath, outDir string) error {
	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("reading torrent file: %w", err)
	}

	t, err := metainfo.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}
	if outDir != "" {
		multi := t.Multi()
		t.Name = filepath.Join(outDir, t.Name)
		if !multi {
			t.Files[0].Path = t.Name
		}
	}

	logrus.WithFields(logrus.Fields{
		"name":   t.Name,
		"pieces": t.NumPieces(),
	}).Info("starting download")

	resp, err := tracker.Announce(t.AnnounceURL, t.InfoHash, t.PeerID, t.TotalLength)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	logrus.WithField("count", len(resp.Peers)).Info("received peers from tracker")

	var sessions []*peerconn.Session
	for _, addr := range resp.Peers {
		s, err := peerconn.Dial(addr, t.InfoHash, t.PeerID, t.NumPieces())
		if err != nil {
			logrus.WithField("peer", addr).WithError(err).Debug("peer handshake failed")
			continue
		}
		sessions = append(sessions, s)
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	if len(sessions) == 0 {
		return fmt.Errorf("no peer completed the handshake")
	}
	logrus.WithField("count", len(sessions)).Info("peer sessions established")

	eng := engine.New(t, engine.Sessions(sessions), consoleSink{})
	return eng.Run()
}

// consoleSink prints progress to stderr as it changes.
type consoleSink struct{}

func (consoleSink) Set(value int) {
	fmt.Fprintf(os.Stderr, "\rdownloading... %3d%%", value)
	if value == 100 {
		fmt.Fprintln(os.Stderr)
	}
}
