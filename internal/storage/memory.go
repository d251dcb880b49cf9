package storage

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

const memoryShards = 32

type memoryEntry struct {
	lease    *Lease
	accessed time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[dhcp.HardwareAddress]*memoryEntry
}

// MemoryStore keeps leases in a sharded map. Idle entries are dropped lazily
// when touched and in bulk by Sweep; each shard is locked on its own so keys
// in different shards never contend.
type MemoryStore struct {
	shards [memoryShards]memoryShard
	idle   time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a store evicting entries idle for longer than idle.
// A zero idle window disables eviction.
func NewMemoryStore(idle time.Duration, opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	s := &MemoryStore{idle: idle, now: o.now}
	for i := range s.shards {
		s.shards[i].entries = make(map[dhcp.HardwareAddress]*memoryEntry)
	}
	return s
}

func (s *MemoryStore) shard(hw dhcp.HardwareAddress) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte{hw.Type, hw.Len})
	h.Write(hw.Addr[:hw.Len])
	return &s.shards[h.Sum32()%memoryShards]
}

// live returns the entry for hw, evicting it first if it has gone idle.
// The shard lock must be held.
func (s *MemoryStore) live(sh *memoryShard, hw dhcp.HardwareAddress, now time.Time) *memoryEntry {
	e, ok := sh.entries[hw]
	if !ok {
		return nil
	}
	if idleExpired(e.accessed, now, s.idle) {
		delete(sh.entries, hw)
		recordEvictions(1)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(hw dhcp.HardwareAddress) (*Lease, error) {
	sh := s.shard(hw)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := s.live(sh, hw, now)
	if e == nil {
		return nil, nil
	}
	e.accessed = now
	return e.lease.Clone(), nil
}

func (s *MemoryStore) Peek(hw dhcp.HardwareAddress) (*Lease, error) {
	sh := s.shard(hw)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := s.live(sh, hw, s.now())
	if e == nil {
		return nil, nil
	}
	return e.lease.Clone(), nil
}

func (s *MemoryStore) Put(lease *Lease) error {
	sh := s.shard(lease.HardwareAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[lease.HardwareAddr] = &memoryEntry{lease: lease.Clone(), accessed: s.now()}
	return nil
}

func (s *MemoryStore) Create(lease *Lease) (*Lease, error) {
	hw := lease.HardwareAddr
	sh := s.shard(hw)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if e := s.live(sh, hw, now); e != nil {
		return e.lease.Clone(), nil
	}
	sh.entries[hw] = &memoryEntry{lease: lease.Clone(), accessed: now}
	return nil, nil
}

func (s *MemoryStore) Remove(hw dhcp.HardwareAddress) (*Lease, error) {
	return s.RemoveIf(hw, func(*Lease) bool { return true })
}

func (s *MemoryStore) RemoveIf(hw dhcp.HardwareAddress, match func(*Lease) bool) (*Lease, error) {
	sh := s.shard(hw)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := s.live(sh, hw, s.now())
	if e == nil || !match(e.lease.Clone()) {
		return nil, nil
	}
	delete(sh.entries, hw)
	return e.lease, nil
}

func (s *MemoryStore) Update(hw dhcp.HardwareAddress, fn func(*Lease) bool) (*Lease, error) {
	sh := s.shard(hw)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := s.live(sh, hw, now)
	if e == nil {
		return nil, nil
	}
	working := e.lease.Clone()
	if !fn(working) {
		return nil, nil
	}
	working.HardwareAddr = hw
	e.lease = working
	e.accessed = now
	return working.Clone(), nil
}

func (s *MemoryStore) List() ([]*Lease, error) {
	var leases []*Lease
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if !idleExpired(e.accessed, now, s.idle) {
				leases = append(leases, e.lease.Clone())
			}
		}
		sh.mu.Unlock()
	}
	return leases, nil
}

// Sweep walks one shard at a time, so it only ever blocks callers whose keys
// hash to the shard being swept.
func (s *MemoryStore) Sweep() (int, error) {
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		now := s.now()
		for hw, e := range sh.entries {
			if idleExpired(e.accessed, now, s.idle) {
				delete(sh.entries, hw)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	recordEvictions(evicted)
	return evicted, nil
}

// Len reports the number of entries, including idle ones not yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Close() error {
	return nil
}
