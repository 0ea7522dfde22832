// Package memstore is the namespaced key/value store checks share within a
// run. Writes are atomic per key and visible to the writer immediately;
// file persistence, when configured, is asynchronous and best-effort.
package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// DefaultNamespace receives operations that do not name a namespace.
const DefaultNamespace = "default"

// Options configures a store.
type Options struct {
	// PersistPath, when set, makes the store flush its contents to this
	// JSON file after mutations and on Close.
	PersistPath string
	Logger      zerolog.Logger
}

// Store holds namespaced key/value data.
type Store struct {
	namespaces *xsync.MapOf[string, *xsync.MapOf[string, any]]

	persistPath string
	log         zerolog.Logger

	flushCh chan struct{}
	doneCh  chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// New returns an isolated store. Most callers want Default; New exists for
// tests and embedded uses.
func New(opts Options) *Store {
	s := &Store{
		namespaces:  xsync.NewMapOf[string, *xsync.MapOf[string, any]](),
		persistPath: opts.PersistPath,
		log:         opts.Logger,
	}
	if s.persistPath != "" {
		s.flushCh = make(chan struct{}, 1)
		s.doneCh = make(chan struct{})
		s.loadFromDisk()
		go s.flushLoop()
	}
	return s
}

var (
	globalMu sync.Mutex
	global   *Store
)

// Init installs the process-wide store. It fails if one is already
// installed; call Default afterwards to retrieve it.
func Init(opts Options) (*Store, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, fmt.Errorf("memstore: already initialized")
	}
	global = New(opts)
	return global, nil
}

// Default returns the process-wide store, creating an in-memory one on
// first use when Init was never called.
func Default() *Store {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(Options{})
	}
	return global
}

func (s *Store) ns(name string) *xsync.MapOf[string, any] {
	if name == "" {
		name = DefaultNamespace
	}
	m, _ := s.namespaces.LoadOrCompute(name, func() *xsync.MapOf[string, any] {
		return xsync.NewMapOf[string, any]()
	})
	return m
}

// Get returns the stored value and whether the key exists.
func (s *Store) Get(namespace, key string) (any, bool) {
	return s.ns(namespace).Load(key)
}

// Has reports whether the key exists.
func (s *Store) Has(namespace, key string) bool {
	_, ok := s.ns(namespace).Load(key)
	return ok
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(namespace, key string, value any) {
	s.ns(namespace).Store(key, value)
	s.markDirty()
}

// Append adds value to the ordered sequence stored under key. A missing
// key is coerced to an empty sequence first; a scalar value becomes the
// first element of a new sequence.
func (s *Store) Append(namespace, key string, value any) []any {
	out, _ := s.ns(namespace).Compute(key, func(old any, loaded bool) (any, bool) {
		switch {
		case !loaded || old == nil:
			return []any{value}, false
		default:
			if list, ok := old.([]any); ok {
				next := make([]any, len(list)+1)
				copy(next, list)
				next[len(list)] = value
				return next, false
			}
			return []any{old, value}, false
		}
	})
	s.markDirty()
	list, _ := out.([]any)
	return list
}

// Increment adds amount to the numeric value under key and returns the
// result. Both the stored value and the amount must be numeric; a missing
// key is an error, not an implicit zero.
func (s *Store) Increment(namespace, key string, amount any) (any, error) {
	delta, ok := toFloat(amount)
	if !ok {
		return nil, fmt.Errorf("memstore: increment amount %v (%T) is not numeric", amount, amount)
	}
	var incErr error
	out, _ := s.ns(namespace).Compute(key, func(old any, loaded bool) (any, bool) {
		if !loaded {
			incErr = fmt.Errorf("memstore: increment on missing key %q", key)
			return nil, true
		}
		cur, ok := toFloat(old)
		if !ok {
			incErr = fmt.Errorf("memstore: stored value for %q is %T, not numeric", key, old)
			return old, false
		}
		return normalizeNumber(cur+delta, isIntegral(old) && isIntegral(amount)), false
	})
	if incErr != nil {
		return nil, incErr
	}
	s.markDirty()
	return out, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(namespace, key string) {
	s.ns(namespace).Delete(key)
	s.markDirty()
}

// Clear removes every key in the namespace.
func (s *Store) Clear(namespace string) {
	s.ns(namespace).Clear()
	s.markDirty()
}

// List returns the keys of the namespace in sorted order.
func (s *Store) List(namespace string) []string {
	var keys []string
	s.ns(namespace).Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Snapshot returns a plain-map copy of every namespace, suitable for
// read-only exposure to the sandbox.
func (s *Store) Snapshot() map[string]map[string]any {
	out := map[string]map[string]any{}
	s.namespaces.Range(func(name string, m *xsync.MapOf[string, any]) bool {
		nsCopy := map[string]any{}
		m.Range(func(k string, v any) bool {
			nsCopy[k] = v
			return true
		})
		out[name] = nsCopy
		return true
	})
	return out
}

// Close flushes pending writes and stops the persistence goroutine.
func (s *Store) Close() error {
	if s.persistPath == "" {
		return nil
	}
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.doneCh)
	s.closeMu.Unlock()
	return s.persist()
}

func (s *Store) markDirty() {
	if s.flushCh == nil {
		return
	}
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.flushCh:
			if err := s.persist(); err != nil {
				s.log.Warn().Err(err).Str("path", s.persistPath).Msg("memstore flush failed")
			}
		}
	}
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := s.persistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.persistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.persistPath)
}

func (s *Store) loadFromDisk() {
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		return
	}
	var snapshot map[string]map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.log.Warn().Err(err).Str("path", s.persistPath).Msg("memstore snapshot unreadable, starting empty")
		return
	}
	for name, kv := range snapshot {
		m := s.ns(name)
		for k, v := range kv {
			m.Store(k, v)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isIntegral(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return n == float32(int64(n))
	case float64:
		return n == float64(int64(n))
	case json.Number:
		f, err := n.Float64()
		return err == nil && f == float64(int64(f))
	default:
		return false
	}
}

func normalizeNumber(f float64, integral bool) any {
	if integral && f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
