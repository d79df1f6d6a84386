package watcher

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/storage"
)

// mtimeEpsilon is the boundary spec §4.3/§8 draws between "unchanged"
// and "changed": a difference of exactly 0.1s is not a change.
const mtimeEpsilon = 0.1

// sourceExtensions are files FW parses as first-class source (spec
// §4.3: "source files of the target language"). configExtensions are
// tracked as well (spec: "plain configuration files"); both categories
// are treated identically by FW's delta algorithm, so a new or changed
// config file is flagged needs_reparse like a source file, and IW's
// file selection does not filter by extension.
var sourceExtensions = map[string]bool{".py": true}
var configExtensions = map[string]bool{".cfg": true, ".ini": true, ".toml": true, ".yaml": true, ".yml": true}

// builtinIgnoreDirs mirrors ihavespoons-zrok/internal/chunk/extractor.go's
// shouldIgnoreDir, narrowed to what a Python tree produces plus the
// universal VCS/dotdir skip.
var builtinIgnoreDirs = map[string]bool{
	"__pycache__": true, ".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "dist": true, "build": true, ".tox": true, ".venv": true, "venv": true,
}

// Worker runs FW's scan cycle (spec §4.3) over a set of watch roots.
type Worker struct {
	client *storage.Client
	cfg    config.WatchConfig
	log    *logging.Logger
}

// NewWorker constructs a Worker.
func NewWorker(client *storage.Client, cfg config.WatchConfig, log *logging.Logger) *Worker {
	return &Worker{client: client, cfg: cfg, log: log}
}

// Run drives the periodic scan cycle until ctx is cancelled: a tick of
// scanInterval runs RunCycle, and an fsnotify wake-up (spec §9 Open
// Question resolution) can trigger an earlier cycle without altering
// the delta computation itself.
func (w *Worker) Run(ctx context.Context, scanInterval time.Duration) error {
	var roots []string
	for _, d := range w.cfg.Dirs {
		if d.Path != "" {
			roots = append(roots, d.Path)
		}
	}

	wake, err := newWakeSignal(roots, w.log)
	if err != nil {
		w.log.Warnf("fsnotify unavailable, falling back to poll-only scanning: %v", err)
	}
	if wake != nil {
		defer func() { _ = wake.Close() }()
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		w.RunCycle(ctx)

		var wakeCh <-chan struct{}
		if wake != nil {
			wakeCh = wake.Changed()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wakeCh:
		}
	}
}

// RunCycle scans every configured watch root once (spec §4.3 "Scan
// cycle (per root)"). Per-root failures are logged and do not abort
// the remaining roots (spec: "Error policy... the cycle continues to
// other projects").
func (w *Worker) RunCycle(ctx context.Context) {
	for _, dir := range w.cfg.Dirs {
		if dir.Path == "" {
			continue
		}
		if err := w.scanRoot(ctx, dir.Path); err != nil {
			w.log.Errorf("scanning watch root %s: %v", dir.Path, err)
		}
	}
}

func (w *Worker) scanRoot(ctx context.Context, root string) error {
	if _, err := os.Stat(root); err != nil {
		return errs.Wrap(errs.FilesystemError, "stat watch root "+root, err)
	}

	lock := NewRootLock(root)
	if err := lock.TryAcquire(); err != nil {
		w.log.Warnf("watch root %s: %v", root, err)
		return nil // LockHeld is expected under concurrent FW instances; skip this cycle.
	}
	defer func() {
		if err := lock.Release(); err != nil {
			w.log.Warnf("releasing lock for %s: %v", root, err)
		}
	}()

	projects, err := DiscoverProjects(root)
	if err != nil {
		return err
	}

	for _, p := range projects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.scanProject(ctx, p); err != nil {
			w.log.Errorf("scanning project %s (%s): %v", p.ProjectID, p.RootPath, err)
		}
	}
	return nil
}

func (w *Worker) scanProject(ctx context.Context, p DiscoveredProject) error {
	existing, err := w.client.ListProjects(ctx)
	if err != nil {
		return err
	}
	isNew := true
	for _, ep := range existing {
		if ep.ProjectID == p.ProjectID {
			isNew = false
			break
		}
	}
	if err := w.client.AddProject(ctx, storage.Project{ProjectID: p.ProjectID, RootPath: p.RootPath, Name: p.Description}); err != nil {
		return err
	}

	onDisk, err := w.enumerateFiles(p.RootPath)
	if err != nil {
		return err
	}

	known, err := w.client.ListFileMarkers(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	knownByPath := make(map[string]storage.FileMarker, len(known))
	for _, m := range known {
		knownByPath[m.Path] = m
	}

	stat := storage.WorkerStat{Worker: "file-watcher", CycleID: uuid.NewString()}
	start := time.Now()

	for relPath, mtime := range onDisk {
		stat.Scanned++
		marker, seen := knownByPath[relPath]
		switch {
		case !seen:
			if err := w.client.UpsertFileTouch(ctx, p.ProjectID, relPath, mtime, 0); err != nil {
				return err
			}
			stat.Added++
		case math.Abs(mtime-marker.LastModified) > mtimeEpsilon:
			if err := w.client.UpsertFileTouch(ctx, p.ProjectID, relPath, mtime, 0); err != nil {
				return err
			}
			stat.Changed++
		case marker.Deleted:
			// Resurrected: same content, but previously marked deleted.
			if err := w.client.UpsertFileTouch(ctx, p.ProjectID, relPath, mtime, 0); err != nil {
				return err
			}
			stat.Changed++
		}
	}

	for path, marker := range knownByPath {
		if marker.Deleted {
			continue
		}
		if _, stillOnDisk := onDisk[path]; !stillOnDisk {
			if err := w.client.MarkFileDeleted(ctx, p.ProjectID, path); err != nil {
				return err
			}
			stat.Deleted++
		}
	}

	if isNew {
		w.log.Infof("discovered new project %s at %s; initial index will be driven by the indexing worker's next cycle", p.ProjectID, p.RootPath)
	}

	stat.DurationS = time.Since(start).Seconds()
	if err := w.client.RecordWorkerStat(ctx, stat); err != nil {
		w.log.Warnf("recording worker stat for project %s: %v", p.ProjectID, err)
	}
	return nil
}

// enumerateFiles walks root recursively, returning project-relative
// paths mapped to Unix-seconds mtimes, subject to builtin and
// configured ignore filters (spec §4.3 step 3, grounded on
// ihavespoons-zrok/internal/chunk/extractor.go's ExtractAll walk).
func (w *Worker) enumerateFiles(root string) (map[string]float64, error) {
	out := make(map[string]float64)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry: skip, don't abort the whole walk
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if w.shouldIgnoreDir(d.Name(), rel) {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !sourceExtensions[ext] && !configExtensions[ext] {
			return nil
		}
		if w.matchesIgnorePattern(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[filepath.ToSlash(rel)] = float64(info.ModTime().UnixNano()) / 1e9
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.FilesystemError, "walking "+root, err)
	}
	return out, nil
}

func (w *Worker) shouldIgnoreDir(name, relPath string) bool {
	if name != "." && strings.HasPrefix(name, ".") {
		return true
	}
	if builtinIgnoreDirs[name] {
		return true
	}
	return w.matchesIgnorePattern(relPath + "/")
}

func (w *Worker) matchesIgnorePattern(relPath string) bool {
	for _, pattern := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(relPath)); ok {
			return true
		}
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(relPath, strings.TrimSuffix(pattern, "/")) {
			return true
		}
	}
	return false
}
