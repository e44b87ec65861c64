// Package watch implements the optional batch-submission directory
// watcher (WATCH_DIR): dropping a *.json payload file into the watched
// directory submits a job the same way a POST to /optimize would. It
// generalizes the teacher's Watcher (internal/watch/watcher.go), which
// watched CALLS_DIR for new audio files and enqueued an ingest job per
// file — here the "file" is the submission payload itself rather than a
// pointer to one.
package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"optimizectl/internal/config"
)

// Submitter is the subset of the submission path the watcher drives —
// satisfied by a small adapter around submission.Gate plus the driver
// launch, since the watcher has no business deciding which driver.Func
// runs.
type Submitter interface {
	SubmitFile(ctx context.Context, payload map[string]any) error
}

// Watcher monitors cfg.WatchDir for new *.json submission files.
type Watcher struct {
	cfg config.Config
	sub Submitter
	log zerolog.Logger
}

// New returns a Watcher that calls sub.SubmitFile for every JSON file
// created in cfg.WatchDir.
func New(cfg config.Config, sub Submitter, log zerolog.Logger) *Watcher {
	return &Watcher{cfg: cfg, sub: sub, log: log}
}

// Start begins watching. It is a no-op if WatchDir is unset.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cfg.WatchDir == "" {
		w.log.Debug().Msg("watch: disabled, WATCH_DIR not set")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && w.isPayload(evt.Name) {
					w.submit(ctx, evt.Name)
				}
			case err := <-watcher.Errors:
				w.log.Warn().Err(err).Msg("watch: fsnotify error")
			}
		}
	}()
	return watcher.Add(w.cfg.WatchDir)
}

func (w *Watcher) isPayload(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}

func (w *Watcher) submit(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("watch: read payload failed")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("watch: invalid payload json")
		return
	}
	if err := w.sub.SubmitFile(ctx, payload); err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("watch: submit failed")
	}
}
