package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/unvm/unvm/pkg/logging"
)

// Watcher watches a descriptor directory and reports the current set of
// live instances whenever it changes. Events are debounced because hosts
// write descriptors via rename and editors often touch files twice.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func([]Descriptor)
	logger   *logging.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration (default 100ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher starts watching dir and calls onChange with a fresh Scan
// after each debounced burst of descriptor events.
func NewWatcher(dir string, onChange func([]Descriptor), opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		debounce: 100 * time.Millisecond,
		onChange: onChange,
		logger:   logging.Discard(),
		watcher:  fsw,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isDescriptorEvent(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.rescan)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("descriptor watch error: %v", err)
		}
	}
}

func isDescriptorEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := event.Name
	return strings.Contains(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func (w *Watcher) rescan() {
	descs, err := Scan(w.dir)
	if err != nil {
		w.logger.Printf("descriptor rescan failed: %v", err)
		return
	}
	w.onChange(descs)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.watcher.Close()
}
