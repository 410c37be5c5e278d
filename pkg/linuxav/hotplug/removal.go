//go:build linux

package hotplug

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
)

// RemovalWatcher calls back when a watched video node is removed.
type RemovalWatcher struct {
	mu      sync.Mutex
	next    int
	watches map[string]map[int]func()
	logger  *slog.Logger
}

// NewRemovalWatcher returns an empty watcher. Feed it with Listen, Run or
// Handle.
func NewRemovalWatcher() *RemovalWatcher {
	return &RemovalWatcher{
		watches: make(map[string]map[int]func()),
		logger:  slog.With("component", "hotplug"),
	}
}

// Watch registers fn to run once when node is removed. Symlinks such as
// /dev/v4l/by-id/... are resolved at registration. The returned function
// cancels the watch.
func (w *RemovalWatcher) Watch(node string, fn func()) (cancel func()) {
	key := resolveNode(node)

	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	if w.watches[key] == nil {
		w.watches[key] = make(map[int]func())
	}
	w.watches[key][id] = fn

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.watches[key], id)
		if len(w.watches[key]) == 0 {
			delete(w.watches, key)
		}
	}
}

// Handle dispatches one event.
func (w *RemovalWatcher) Handle(ev Event) {
	if ev.Action != ActionRemove || ev.Subsystem != SubsystemVideo4Linux {
		return
	}
	node := ev.Node()
	if node == "" {
		return
	}

	w.mu.Lock()
	fns := w.watches[node]
	delete(w.watches, node)
	w.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	w.logger.Info("Video device removed", "device", node, "watchers", len(fns))
	for _, fn := range fns {
		fn()
	}
}

// Run handles events until the channel closes or ctx is done.
func (w *RemovalWatcher) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.Handle(ev)
		}
	}
}

// Listen opens a video4linux Monitor and feeds it to the watcher in the
// background until ctx is done.
func (w *RemovalWatcher) Listen(ctx context.Context) error {
	m, err := NewMonitor(SubsystemVideo4Linux)
	if err != nil {
		return err
	}
	events := make(chan Event, 16)
	go func() {
		defer m.Close()
		if err := m.Run(ctx, events); err != nil && ctx.Err() == nil {
			w.logger.Warn("Hotplug monitor stopped", "error", err)
		}
	}()
	go w.Run(ctx, events)
	return nil
}

// Watching returns the number of registered callbacks.
func (w *RemovalWatcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, fns := range w.watches {
		n += len(fns)
	}
	return n
}

func resolveNode(node string) string {
	if resolved, err := filepath.EvalSymlinks(node); err == nil {
		return resolved
	}
	return filepath.Clean(node)
}
