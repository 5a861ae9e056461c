package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers
// drop messages rather than block publishers.
const subscriberBuffer = 64

// janitorInterval is how often the background sweep evicts expired keys.
const janitorInterval = 5 * time.Second

type entry struct {
	value     []byte
	set       map[string]struct{}
	hash      map[string][]byte
	list      [][]byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type subscriber struct {
	ch      chan Message
	channel string
}

// MemoryStore is an in-process Store implementation. It backs single-node
// deployments and all tests; a networked implementation can replace it
// behind the same interface using the store address from the agent
// environment contract.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*entry
	subs   map[string][]*subscriber
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its expiry sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:        make(map[string]*entry),
		subs:        make(map[string][]*subscriber),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for k, e := range s.data {
				if e.expired(now) {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// live returns the unexpired entry for key, or nil. Caller must hold s.mu.
func (s *MemoryStore) live(key string) *entry {
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	return e
}

// liveOrNew returns the entry for key, allocating one if missing or expired.
// Caller must hold s.mu for writing.
func (s *MemoryStore) liveOrNew(key string) *entry {
	if e := s.live(key); e != nil {
		return e
	}
	e := &entry{}
	s.data[key] = e
	return e
}

// Get returns the value for key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.live(key) != nil, nil
}

// Keys returns all keys with the given prefix.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	var keys []string
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// SAdd adds members to the set at key.
func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.liveOrNew(key)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

// SRem removes members from the set at key.
func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.live(key)
	if e == nil || e.set == nil {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.live(key)
	if e == nil || e.set == nil {
		return nil, nil
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members, nil
}

// HSet stores field=value in the hash at key.
func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.liveOrNew(key)
	if e.hash == nil {
		e.hash = make(map[string][]byte)
	}
	e.hash[field] = append([]byte(nil), value...)
	return nil
}

// HGet returns the value of field in the hash at key, or ErrNotFound.
func (s *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.live(key)
	if e == nil || e.hash == nil {
		return nil, ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// HGetAll returns every field of the hash at key.
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.live(key)
	if e == nil || e.hash == nil {
		return map[string][]byte{}, nil
	}
	out := make(map[string][]byte, len(e.hash))
	for f, v := range e.hash {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

// HDel removes fields from the hash at key.
func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.live(key)
	if e == nil || e.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	return nil
}

// LPush prepends values to the list at key.
func (s *MemoryStore) LPush(_ context.Context, key string, values ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.liveOrNew(key)
	for _, v := range values {
		cp := append([]byte(nil), v...)
		e.list = append([][]byte{cp}, e.list...)
	}
	return nil
}

// normalizeRange converts possibly-negative start/stop indices into concrete
// bounds over a list of length n. Returns ok=false for an empty result.
func normalizeRange(start, stop, n int) (int, int, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// LRange returns list elements in [start, stop].
func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	lo, hi, ok := normalizeRange(start, stop, len(e.list))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// LTrim trims the list at key to [start, stop].
func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.live(key)
	if e == nil {
		return nil
	}
	lo, hi, ok := normalizeRange(start, stop, len(e.list))
	if !ok {
		e.list = nil
		return nil
	}
	e.list = e.list[lo : hi+1]
	return nil
}

// LLen returns the length of the list at key.
func (s *MemoryStore) LLen(_ context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return len(e.list), nil
}

// Incr atomically increments the integer at key and returns the new value.
// A missing key counts from zero.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	e := s.liveOrNew(key)
	var n int64
	if len(e.value) > 0 {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Expire sets or replaces the TTL on an existing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := s.live(key)
	if e == nil {
		return ErrNotFound
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

// Publish sends payload to all subscribers of channel. Subscribers whose
// buffers are full miss the message; publishers never block.
func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	for _, sub := range s.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages published on channel and a cancel
// function that releases the subscription.
func (s *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan Message, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	sub := &subscriber{ch: make(chan Message, subscriberBuffer), channel: channel}
	s.subs[channel] = append(s.subs[channel], sub)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel, nil
}

// Close releases all resources and unblocks subscribers.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for channel, subs := range s.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(s.subs, channel)
	}
	s.mu.Unlock()

	close(s.janitorStop)
	<-s.janitorDone
	return nil
}
