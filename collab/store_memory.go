package collab

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process store with the same atomicity contract as the redis store.
// used by tests and single-process deployments.

type memoryValue struct {
	value     []byte
	expiresAt time.Time
}

func (self *memoryValue) expired(now time.Time) bool {
	return !self.expiresAt.IsZero() && !now.Before(self.expiresAt)
}

type MemoryStore struct {
	mutex  sync.Mutex
	values map[string]*memoryValue
	sets   map[string]map[string]bool
	lists  map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string]*memoryValue{},
		sets:   map[string]map[string]bool{},
		lists:  map[string][][]byte{},
	}
}

// caller holds the mutex
func (self *MemoryStore) get(key string) ([]byte, bool) {
	v, ok := self.values[key]
	if !ok {
		return nil, false
	}
	if v.expired(time.Now()) {
		delete(self.values, key)
		return nil, false
	}
	return v.value, true
}

// caller holds the mutex
func (self *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	switch ttl {
	case KeepTtl:
		if v, ok := self.values[key]; ok && !v.expired(time.Now()) {
			expiresAt = v.expiresAt
		}
	case NoTtl:
	default:
		expiresAt = time.Now().Add(ttl)
	}
	self.values[key] = &memoryValue{
		value:     slices.Clone(value),
		expiresAt: expiresAt,
	}
}

func (self *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.get(key)
	return slices.Clone(value), ok, nil
}

func (self *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.put(key, value, ttl)
	return nil
}

func (self *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.get(key); ok {
		return false, nil
	}
	self.put(key, value, ttl)
	return true, nil
}

func (self *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, mutate UpdateFunc) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.get(key)
	var current []byte
	if ok {
		current = slices.Clone(value)
	}
	next, err := mutate(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(self.values, key)
		return nil
	}
	self.put(key, next, ttl)
	return nil
}

func (self *MemoryStore) Delete(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.values, key)
	delete(self.sets, key)
	delete(self.lists, key)
	return nil
}

func (self *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var count int64
	if value, ok := self.get(key); ok {
		count, _ = strconv.ParseInt(string(value), 10, 64)
	}
	count += 1
	self.put(key, []byte(strconv.FormatInt(count, 10)), KeepTtl)
	return count, nil
}

func (self *MemoryStore) SetAdd(ctx context.Context, key string, member string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	set, ok := self.sets[key]
	if !ok {
		set = map[string]bool{}
		self.sets[key] = set
	}
	set[member] = true
	return nil
}

func (self *MemoryStore) SetRemove(ctx context.Context, key string, member string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if set, ok := self.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(self.sets, key)
		}
	}
	return nil
}

func (self *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members := maps.Keys(self.sets[key])
	slices.Sort(members)
	return members, nil
}

func (self *MemoryStore) ListAppend(ctx context.Context, key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.lists[key] = append(self.lists[key], slices.Clone(value))
	return nil
}

func (self *MemoryStore) ListRange(ctx context.Context, key string, start int64, stop int64) ([][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	list := self.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if n <= stop {
		stop = n - 1
	}
	if n == 0 || stop < start {
		return [][]byte{}, nil
	}
	out := [][]byte{}
	for _, value := range list[start : stop+1] {
		out = append(out, slices.Clone(value))
	}
	return out, nil
}

func (self *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return int64(len(self.lists[key])), nil
}

func (self *MemoryStore) Close() {
}
