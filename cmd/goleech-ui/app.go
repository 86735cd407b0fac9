package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/arusso/goleech/engine"
	"github.com/arusso/goleech/metainfo"
	"github.com/arusso/goleech/peerconn"
	"github.com/arusso/goleech/tracker"
)

// App is the Wails-bound backend for the single-torrent download
// window: one torrent in flight at a time, no pause/resume, no
// multi-torrent session (spec.md §1 non-goals).
type App struct {
	ctx context.Context

	mu          sync.Mutex
	downloading bool
}

// NewApp creates a new App application struct.
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// eventSink is a progress.Sink that emits a Wails event, letting the
// frontend's own event loop receive progress from whatever goroutine
// the engine happens to be running on.
type eventSink struct {
	ctx context.Context
}

func (s eventSink) Set(value int) {
	runtime.EventsEmit(s.ctx, "progress", value)
}

// StartDownload parses torrentPath and runs it to completion,
// returning once the download finishes or fails. Progress is reported
// via the "progress" Wails event as it changes.
func (a *App) StartDownload(torrentPath, outDir string) error {
	a.mu.Lock()
	if a.downloading {
		a.mu.Unlock()
		return fmt.Errorf("a download is already in progress")
	}
	a.downloading = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.downloading = false
		a.mu.Unlock()
	}()

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

	resp, err := tracker.Announce(t.AnnounceURL, t.InfoHash, t.PeerID, t.TotalLength)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}

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

	eng := engine.New(t, engine.Sessions(sessions), eventSink{ctx: a.ctx})
	return eng.Run()
}

// SelectTorrentFile opens a file dialog to select a .torrent file.
func (a *App) SelectTorrentFile() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Torrent File",
		Filters: []runtime.FileFilter{
			{DisplayName: "Torrent Files (*.torrent)", Pattern: "*.torrent"},
		},
	})
}

// SelectOutputFolder opens a folder dialog to select an output directory.
func (a *App) SelectOutputFolder() (string, error) {
	return runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Download Folder",
	})
}
