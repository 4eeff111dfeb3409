package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// PathPolicy names the paths the FileCoordination daemon treats as
// requiring an elevated purpose-identifier check before granting write
// access — a deployment-level policy layered on top of spec.md §4.7's
// compatibility rule, which this module's FC arbiter doesn't itself
// enforce (it only tracks reader/writer exclusion); callers consult
// Current() before calling Arbiter.Request to apply the policy.
type PathPolicy struct {
	ElevatedPaths map[string]bool `yaml:"elevated_paths"`
}

func parsePathPolicy(data []byte) (*PathPolicy, error) {
	var p PathPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pathpolicy: parse: %w", err)
	}
	if p.ElevatedPaths == nil {
		p.ElevatedPaths = map[string]bool{}
	}
	return &p, nil
}

// RequiresElevation reports whether path is listed as requiring elevated
// purpose-identifier checks.
func (p *PathPolicy) RequiresElevation(path string) bool {
	return p.ElevatedPaths[filepath.Clean(path)]
}

// PathPolicyWatcher hot-reloads a PathPolicy file using fsnotify, the
// library SPEC_FULL.md's domain stack names for this concern: a write to
// the watched file is reparsed in place so the arbiter daemon never needs
// a restart to pick up a new path policy.
type PathPolicyWatcher struct {
	mu      sync.RWMutex
	policy  *PathPolicy
	path    string
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// WatchPathPolicy loads path once and begins watching its containing
// directory for writes (watching the directory, not the file directly,
// survives editors that replace the file via rename-on-save).
func WatchPathPolicy(path string) (*PathPolicyWatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pathpolicy: read %s: %w", path, err)
	}
	policy, err := parsePathPolicy(data)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pathpolicy: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("pathpolicy: watch %s: %w", filepath.Dir(path), err)
	}

	w := &PathPolicyWatcher{
		policy:  policy,
		path:    path,
		watcher: watcher,
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *PathPolicyWatcher) run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warning("pathpolicy: watcher error")
		case <-w.stop:
			return
		}
	}
}

func (w *PathPolicyWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.WithError(err).Warning("pathpolicy: reload read failed")
		return
	}
	policy, err := parsePathPolicy(data)
	if err != nil {
		log.WithError(err).Warning("pathpolicy: reload parse failed, keeping previous policy")
		return
	}
	w.mu.Lock()
	w.policy = policy
	w.mu.Unlock()
	log.WithField("path", w.path).Info("pathpolicy: reloaded")
}

// Current returns the most recently loaded policy.
func (w *PathPolicyWatcher) Current() *PathPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// Close stops the watcher.
func (w *PathPolicyWatcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
