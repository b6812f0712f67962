package observer

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// FileWatcherSource watches a fixed set of directories, non-recursively,
// for filesystem events relevant to D-REAM/PHASE progress.
type FileWatcherSource struct {
	Paths []string
}

// NewFileWatcherSource builds a FileWatcherSource over the given
// directories.
func NewFileWatcherSource(paths []string) *FileWatcherSource {
	return &FileWatcherSource{Paths: paths}
}

func (s *FileWatcherSource) Name() string { return "filewatcher" }

// Run watches s.Paths until ctx is cancelled. A watcher that fails to
// start is reported once as an error_operational Event; individual
// per-path add failures (a configured directory that doesn't exist yet)
// are logged and skipped rather than failing the whole source.
func (s *FileWatcherSource) Run(ctx context.Context, out chan<- model.Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		select {
		case out <- breakerTrippedEvent("filewatcher", "", err):
		case <-ctx.Done():
		}
		return nil
	}
	defer watcher.Close()

	for _, p := range s.Paths {
		if err := watcher.Add(p); err != nil {
			slog.Warn("filewatcher: could not watch path", "path", p, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filewatcher error", "error", err)
		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if fsEvent.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			kind := classifyFile(fsEvent.Name)
			if kind == "" {
				continue
			}
			ev := model.Event{
				Source:    "filewatcher",
				Kind:      kind,
				Path:      fsEvent.Name,
				Timestamp: time.Now(),
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// classifyFile ports _classify_file from the original InotifySource.
func classifyFile(path string) string {
	name := filepath.Base(path)
	parent := filepath.Base(filepath.Dir(path))

	if parent == "promotions" && strings.HasSuffix(name, ".json") {
		return model.EventKindPromotionNew
	}
	if parent == "signals" && strings.Contains(name, "phase_complete") {
		return model.EventKindPhaseSignal
	}
	if name == "ready" && strings.Contains(path, "dream") {
		return model.EventKindDreamHeartbeat
	}
	return ""
}
