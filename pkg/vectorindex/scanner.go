package vectorindex

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// collection is the single vector-index collection the scanner indexes
// into; spec §4.8 names no multi-collection requirement so one constant
// name stands in for Qdrant's original per-purpose collections.
const collection = "filesystem_knowledge"

// fileKind classifies a scanned file, ported from FILE_PATTERNS.
type fileKind string

const (
	kindDocumentation fileKind = "documentation"
	kindConfiguration fileKind = "configuration"
	kindSourceCode    fileKind = "source_code"
	kindServices      fileKind = "services"
)

// filePatterns maps each kind to the file extensions it matches.
// *.py became *.go: this module's own source is the knowledge base
// worth indexing, not a Python sibling tree.
var filePatterns = map[fileKind][]string{
	kindDocumentation: {".md", ".txt"},
	kindConfiguration: {".yaml", ".yml", ".json"},
	kindSourceCode:    {".go"},
	kindServices:      {".service"},
}

// priorityOrder ranks kinds so documentation surfaces before
// configuration/services before source code when a scan turns up more
// candidates than MaxQuestionsPerScan allows.
var priorityOrder = map[fileKind]int{
	kindDocumentation: 3,
	kindConfiguration: 2,
	kindServices:      2,
	kindSourceCode:    1,
}

// skipDirs and skipSuffixes replace __pycache__/.venv/node_modules/etc
// with this module's own build-noise directories and file suffixes.
var skipDirs = []string{"vendor", "node_modules", ".git", ".cache", "bin", "dist"}
var skipSuffixes = []string{".bak", ".backup", "~"}

// IntentSink receives the curiosity_investigate intents the scanner
// files for each unindexed or stale file it finds. pkg/intent.Router
// implements this.
type IntentSink interface {
	Route(ctx context.Context, intent model.Intent) error
}

// candidateFile is one file found during a walk, paired with the
// metadata needed to decide unindexed/stale and to build its question.
type candidateFile struct {
	path    string
	kind    fileKind
	size    int64
	modTime time.Time
}

// Scanner periodically walks a configured set of roots, compares what
// it finds against Adapter's indexed set, and files curiosity questions
// for anything unindexed or stale, ported from
// unindexed_knowledge_scanner.py's UnindexedKnowledgeScanner.
type Scanner struct {
	adapter Adapter
	sink    IntentSink
	cfg     config.VectorIndexConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScanner builds a Scanner over adapter, filing questions through
// sink on the interval and cap cfg names.
func NewScanner(adapter Adapter, sink IntentSink, cfg config.VectorIndexConfig) *Scanner {
	return &Scanner{
		adapter: adapter,
		sink:    sink,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs one scan immediately, then one every cfg.ScanInterval until
// Stop is called.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(ctx)

		interval := s.cfg.ScanInterval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// Stop signals the scan loop to exit and waits for it. Safe to call
// multiple times.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scanner) runOnce(ctx context.Context) {
	found := s.collectFiles()
	indexed, err := s.adapter.GetIndexedFiles(ctx, collection)
	if err != nil {
		slog.Error("vectorindex: failed to list indexed files", "error", err)
		indexed = map[string]time.Time{}
	}

	var unindexed, stale []candidateFile
	for _, f := range found {
		modifiedAt, ok := indexed[f.path]
		if !ok {
			unindexed = append(unindexed, f)
			continue
		}
		if f.modTime.After(modifiedAt) {
			stale = append(stale, f)
		}
	}

	sort.SliceStable(unindexed, func(i, j int) bool {
		return priorityOrder[unindexed[i].kind] > priorityOrder[unindexed[j].kind]
	})
	sort.SliceStable(stale, func(i, j int) bool {
		return priorityOrder[stale[i].kind] > priorityOrder[stale[j].kind]
	})

	maxQuestions := s.cfg.MaxQuestionsPerScan
	if maxQuestions <= 0 {
		maxQuestions = 10
	}

	filed := 0
	for _, f := range unindexed {
		if filed >= maxQuestions {
			break
		}
		s.fileQuestion(ctx, f, false)
		filed++
	}
	for _, f := range stale {
		if filed >= maxQuestions {
			break
		}
		s.fileQuestion(ctx, f, true)
		filed++
	}

	slog.Info("vectorindex: knowledge scan complete",
		"scanned", len(found), "unindexed", len(unindexed), "stale", len(stale), "filed", filed)
}

// collectFiles walks every configured root, skipping noise directories
// and files, and classifies matches into the four known kinds.
func (s *Scanner) collectFiles() []candidateFile {
	var out []candidateFile

	for _, root := range s.cfg.ScanRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if shouldSkipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if shouldSkipFile(path) {
				return nil
			}
			kind, ok := classify(path)
			if !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			out = append(out, candidateFile{
				path:    path,
				kind:    kind,
				size:    info.Size(),
				modTime: info.ModTime(),
			})
			return nil
		})
		if err != nil {
			slog.Warn("vectorindex: scan root unreadable", "root", root, "error", err)
		}
	}

	return out
}

func shouldSkipDir(name string) bool {
	for _, skip := range skipDirs {
		if name == skip {
			return true
		}
	}
	return false
}

func shouldSkipFile(path string) bool {
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func classify(path string) (fileKind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for kind, exts := range filePatterns {
		for _, candidate := range exts {
			if ext == candidate {
				return kind, true
			}
		}
	}
	return "", false
}

// fileQuestion builds and routes a curiosity_investigate intent for f,
// worded for an unindexed file unless stale is true.
func (s *Scanner) fileQuestion(ctx context.Context, f candidateFile, stale bool) {
	name := sanitizedName(f.path)

	var question, hypothesisID, priority string
	if stale {
		question = "Should I re-index stale file " + f.path + "?"
		hypothesisID = "stale_knowledge_" + name
		priority = "low"
	} else {
		question = "What knowledge does " + f.path + " contain?"
		hypothesisID = "unindexed_knowledge_" + name
		priority = "normal"
	}

	evidence := []string{
		"file_path: " + f.path,
		"file_type: " + string(f.kind),
		"size: " + strconv.FormatInt(f.size, 10),
		"mtime: " + f.modTime.UTC().Format(time.RFC3339),
	}

	intent := model.Intent{
		Kind:     model.IntentCuriosityInvestigate,
		Reason:   question,
		Evidence: evidence,
		Facts: map[string]any{
			"question_id":    hypothesisID,
			"question":       question,
			"capability_key": "vectorindex.scan",
			"file_path":      f.path,
			"file_type":      string(f.kind),
		},
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	if err := s.sink.Route(ctx, intent); err != nil {
		slog.Error("vectorindex: failed to file knowledge question", "path", f.path, "error", err)
	}
}

// sanitizedName mirrors _sanitize_filename: the file's base name with
// "." and "-" folded to "_", upper-cased, suitable for a hypothesis id.
func sanitizedName(path string) string {
	name := filepath.Base(path)
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToUpper(name)
}

