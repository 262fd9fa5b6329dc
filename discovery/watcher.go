package discovery

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for filesystem activity to
// settle before signaling a rescan.
const DefaultDebounce = 2 * time.Second

// Watcher turns raw filesystem events under the source roots into
// coalesced rescan signals. A burst of writes (an upload of many files)
// produces a single signal once the burst settles; the actual enumeration
// stays with the discovery engine.
type Watcher struct {
	fsw      *fsnotify.Watcher
	rescan   chan struct{}
	debounce time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewWatcher watches the given directories. The roots themselves must
// exist; entries created later inside them are picked up by the next
// rescan, not watched individually.
func NewWatcher(roots []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := fsw.Add(filepath.Clean(root)); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		fsw:      fsw,
		rescan:   make(chan struct{}, 1),
		debounce: debounce,
		logger:   slog.Default().With("component", "discovery.watcher"),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Rescan returns the channel that receives one signal per settled burst
// of filesystem activity.
func (w *Watcher) Rescan() <-chan struct{} { return w.rescan }

// Close stops watching. The rescan channel stops receiving after Close.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.rescan <- struct{}{}:
			default:
				// A pending signal already covers this burst.
			}
		}
	}
}
