package store

import (
	"sync"

	"github.com/nats-io/nats.go"
)

// View is a live, filtered local mirror of a bucket, kept consistent by the
// bucket's change subscription. Views hold no authoritative state; they are
// ephemeral caches released with Release.
type View struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	watcher  nats.KeyWatcher
	listener Listener
	filter   func(key string) bool
	done     chan struct{}
}

func newView(watcher nats.KeyWatcher, filter func(key string) bool, listener Listener) *View {
	v := &View{
		data:     make(map[string][]byte),
		watcher:  watcher,
		listener: listener,
		filter:   filter,
		done:     make(chan struct{}),
	}
	go v.consume()
	return v
}

// consume applies watcher updates to the mirror and forwards typed events to
// the listener. Initial bucket contents are delivered as insertions.
func (v *View) consume() {
	defer close(v.done)

	for entry := range v.watcher.Updates() {
		if entry == nil {
			// marker separating initial replay from live updates
			continue
		}
		key := entry.Key()
		if v.filter != nil && !v.filter(key) {
			continue
		}

		v.mu.Lock()
		prev, existed := v.data[key]
		deleted := entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge
		if deleted {
			delete(v.data, key)
		} else {
			v.data[key] = entry.Value()
		}
		v.mu.Unlock()

		if v.listener == nil {
			continue
		}
		switch {
		case deleted && existed:
			v.listener.OnDeleted(Event{Type: EventDeleted, Key: key, Prev: prev})
		case deleted:
			// deletion of a key the mirror never saw; nothing to report
		case existed:
			v.listener.OnUpdated(Event{Type: EventUpdated, Key: key, Value: entry.Value(), Prev: prev})
		default:
			v.listener.OnInserted(Event{Type: EventInserted, Key: key, Value: entry.Value()})
		}
	}
}

// Get returns the mirrored value for a key.
func (v *View) Get(key string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.data[key]
	return value, ok
}

// Len returns the number of mirrored entries.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.data)
}

// Keys returns the mirrored keys.
func (v *View) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.data))
	for key := range v.data {
		keys = append(keys, key)
	}
	return keys
}

// Release stops the underlying subscription and discards the mirror.
func (v *View) Release() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	_ = v.watcher.Stop()
	<-v.done
}
