package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a key has no record.
	ErrNotFound = errors.New("store: key not found")

	// ErrTooManyConflicts is returned when an atomic invocation keeps losing
	// the per-key write race and gives up.
	ErrTooManyConflicts = errors.New("store: too many write conflicts")
)

// EventType classifies a change notification.
type EventType int

const (
	EventInserted EventType = iota
	EventUpdated
	EventDeleted
)

// Event is a single change notification for one key. Events are delivered
// asynchronously, at least once, with no ordering guarantee across keys.
type Event struct {
	Type  EventType
	Key   string
	Value []byte // new value, nil for deletions
	Prev  []byte // prior value when known, nil for insertions
}

// Listener receives change notifications from a View or key watch. Methods
// are invoked on notification-delivery goroutines, never on worker
// goroutines; implementations must not block them.
type Listener interface {
	OnInserted(event Event)
	OnUpdated(event Event)
	OnDeleted(event Event)
}

// Entry is the record view a Procedure operates on. A procedure may read the
// value, replace it, or remove the record; the mutation is applied
// atomically against the key after the procedure returns.
type Entry struct {
	Key    string
	Value  []byte
	exists bool

	setValue []byte
	set      bool
	removed  bool
}

// Exists reports whether the record was present when the procedure began.
func (e *Entry) Exists() bool { return e.exists }

// SetValue stages a replacement value for the record.
func (e *Entry) SetValue(value []byte) {
	e.setValue = value
	e.set = true
	e.removed = false
}

// Remove stages deletion of the record.
func (e *Entry) Remove() {
	e.removed = true
	e.set = false
}

// Procedure is applied atomically and exclusively against one record.
// Invocations on the same key never interleave; invocations on different
// keys may run concurrently. If the key is absent the procedure observes
// Exists() == false and decides its own effect.
type Procedure func(entry *Entry) (interface{}, error)

// Subscription is a handle on an active change watch.
type Subscription interface {
	Close()
}

// Bucket is one keyed namespace of the coordination store.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Get returns the value for a key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores a value under a key.
	Put(key string, value []byte) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(key string) error

	// PutIfAbsent stores a value only if the key has none, returning the
	// existing value when the key is already present and nil otherwise.
	PutIfAbsent(key string, value []byte) ([]byte, error)

	// Invoke applies a procedure atomically against one key.
	Invoke(key string, proc Procedure) (interface{}, error)

	// Keys lists the keys currently present in the bucket.
	Keys() ([]string, error)

	// WatchKey subscribes a listener to changes of a single key.
	WatchKey(key string, listener Listener) (Subscription, error)

	// View builds a live, filtered local mirror of the bucket. The listener
	// observes the initial contents as insertions, then every subsequent
	// change matching the filter.
	View(filter func(key string) bool, listener Listener) (*View, error)
}

// Store is the minimal contract the coordination protocol requires from the
// shared key-value substrate.
type Store interface {
	Bucket(name string) (Bucket, error)
}
