package watcher

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/pyindex/pyindexd/internal/logging"
)

// wakeSignal is a real-time supplement to the poll cycle (spec §9 Open
// Question: "fsnotify is wired only as a wake-up signal that shortens
// the wait before the next poll cycle runs -- it never itself writes
// to SE"). It never computes or reports a delta itself; RunCycle's
// scan is still the sole authority for what changed.
type wakeSignal struct {
	changed chan struct{}
	watcher *fsnotify.Watcher
}

// newWakeSignal watches each root non-recursively: good enough to
// shorten time-to-next-poll on activity anywhere under a watched
// directory tree's top level without promising sub-second visibility
// of deeper changes (spec §1 non-goal).
func newWakeSignal(roots []string, log *logging.Logger) (*wakeSignal, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := fw.Add(root); err != nil {
			log.Warnf("fsnotify: could not watch %s: %v", root, err)
		}
	}
	w := &wakeSignal{changed: make(chan struct{}, 1), watcher: fw}
	go w.pump(log)
	return w, nil
}

func (w *wakeSignal) pump(log *logging.Logger) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			_ = event
			select {
			case w.changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("fsnotify error: %v", err)
		}
	}
}

// Changed fires at most once per pending wake, coalescing bursts of
// filesystem activity into a single early rescan.
func (w *wakeSignal) Changed() <-chan struct{} { return w.changed }

func (w *wakeSignal) Close() error { return w.watcher.Close() }
