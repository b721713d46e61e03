package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const maxInvokeAttempts = 64

// NATSStore implements Store on JetStream key-value buckets.
type NATSStore struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSStore creates a Store backed by JetStream key-value buckets.
func NewNATSStore(js nats.JetStreamContext, logger *zap.Logger) *NATSStore {
	return &NATSStore{
		js:     js,
		logger: logger.Named("store"),
	}
}

// Bucket binds a named bucket, creating it when missing.
func (s *NATSStore) Bucket(name string) (Bucket, error) {
	kv, err := s.js.KeyValue(name)
	if err != nil {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  name,
			History: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		s.logger.Info("Created bucket", zap.String("bucket", name))
	}

	return &natsBucket{
		name:   name,
		kv:     kv,
		logger: s.logger.With(zap.String("bucket", name)),
	}, nil
}

type natsBucket struct {
	name   string
	kv     nats.KeyValue
	logger *zap.Logger
}

func (b *natsBucket) Name() string { return b.name }

func (b *natsBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (b *natsBucket) Put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b *natsBucket) Remove(key string) error {
	err := b.kv.Delete(key)
	if err != nil && errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *natsBucket) PutIfAbsent(key string, value []byte) ([]byte, error) {
	for {
		_, err := b.kv.Create(key, value)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return nil, err
		}

		existing, err := b.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				// deleted between create and get, try again
				continue
			}
			return nil, err
		}
		return existing.Value(), nil
	}
}

// Invoke applies the procedure in an optimistic per-key loop: read the
// record and its revision, run the procedure against a local copy, then
// write back conditional on the revision. A revision conflict means another
// invocation won the key; the whole procedure is re-run against the fresh
// record, which gives the same end state as serialized invocations.
func (b *natsBucket) Invoke(key string, proc Procedure) (interface{}, error) {
	for attempt := 0; attempt < maxInvokeAttempts; attempt++ {
		var revision uint64
		entry := &Entry{Key: key}

		current, err := b.kv.Get(key)
		if err == nil {
			entry.exists = true
			entry.Value = append([]byte(nil), current.Value()...)
			revision = current.Revision()
		} else if !errors.Is(err, nats.ErrKeyNotFound) {
			return nil, err
		}

		result, err := proc(entry)
		if err != nil {
			return nil, err
		}

		switch {
		case entry.set:
			if entry.exists {
				_, err = b.kv.Update(key, entry.setValue, revision)
			} else {
				_, err = b.kv.Create(key, entry.setValue)
			}
		case entry.removed:
			if !entry.exists {
				return result, nil
			}
			err = b.kv.Delete(key, nats.LastRevision(revision))
		default:
			return result, nil
		}

		if err == nil {
			return result, nil
		}
		if !isWriteConflict(err) {
			return nil, err
		}

		b.logger.Debug("Invoke lost write race, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt+1))
		time.Sleep(time.Millisecond * time.Duration(attempt%8))
	}

	return nil, ErrTooManyConflicts
}

func (b *natsBucket) Keys() ([]string, error) {
	keys, err := b.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

func (b *natsBucket) WatchKey(key string, listener Listener) (Subscription, error) {
	watcher, err := b.kv.Watch(key, nats.UpdatesOnly())
	if err != nil {
		return nil, err
	}

	sub := &watchSubscription{watcher: watcher, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		var last []byte
		for entry := range watcher.Updates() {
			if entry == nil {
				continue
			}
			dispatch(listener, entry, last)
			last = entry.Value()
		}
	}()
	return sub, nil
}

func (b *natsBucket) View(filter func(key string) bool, listener Listener) (*View, error) {
	watcher, err := b.kv.WatchAll()
	if err != nil {
		return nil, err
	}
	return newView(watcher, filter, listener), nil
}

type watchSubscription struct {
	watcher nats.KeyWatcher
	done    chan struct{}
}

func (s *watchSubscription) Close() {
	_ = s.watcher.Stop()
	<-s.done
}

// dispatch translates a raw key-value update into a typed change event.
func dispatch(listener Listener, entry nats.KeyValueEntry, prev []byte) {
	switch entry.Operation() {
	case nats.KeyValueDelete, nats.KeyValuePurge:
		listener.OnDeleted(Event{Type: EventDeleted, Key: entry.Key(), Prev: prev})
	default:
		if prev == nil {
			listener.OnInserted(Event{Type: EventInserted, Key: entry.Key(), Value: entry.Value()})
		} else {
			listener.OnUpdated(Event{Type: EventUpdated, Key: entry.Key(), Value: entry.Value(), Prev: prev})
		}
	}
}

func isWriteConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
