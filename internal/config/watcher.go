package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/pkg/logging"
)

// RuleChange describes one observed rule file change.
type RuleChange struct {
	Path    string
	Removed bool
}

// Watcher watches the rules directory and reports rule file changes after
// a short debounce, so editors that write in multiple steps trigger a
// single reload.
type Watcher struct {
	fs      *fsnotify.Watcher
	changes chan RuleChange
	done    chan struct{}
}

// WatchRules starts watching the rules directory under configPath. The
// directory must exist. Consumers read Changes until Close.
func WatchRules(configPath string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := RulesDir(configPath)
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		fs:      fs,
		changes: make(chan RuleChange, 16),
		done:    make(chan struct{}),
	}
	go w.loop()
	logging.Info("ConfigWatcher", "Watching %s for rule changes", dir)
	return w, nil
}

// Changes returns the channel of debounced rule file changes.
func (w *Watcher) Changes() <-chan RuleChange { return w.changes }

// Close stops the watcher and closes the Changes channel.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

const debounceDelay = 100 * time.Millisecond

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.changes)

	// pending holds the latest change per path during the debounce delay.
	pending := make(map[string]RuleChange)
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		for _, change := range pending {
			select {
			case w.changes <- change:
			default:
				logging.Warn("ConfigWatcher", "Dropping rule change for %s: consumer too slow", change.Path)
			}
		}
		pending = make(map[string]RuleChange)
		fire = nil
	}

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				if len(pending) > 0 {
					flush()
				}
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
			if !removed && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pending[event.Name] = RuleChange{Path: event.Name, Removed: removed}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			fire = timer.C

		case <-fire:
			flush()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
