package cache

import (
	"container/list"
	"sort"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
)

// A shared, fixed-size cache mapping from uint64 to a
// reference-counted slot holding one block.  A lookup increments the
// reference count of the slot; callers fill an empty slot under the
// slot's lock and call FreeSlot when done with it.  Slots whose
// reference count is 0 sit on an lru list; the cache evicts from the
// front of that list, skipping slots that are dirty or under
// writeback.

type Cslot struct {
	mu  *sync.Mutex // protects Obj
	c   *Cache
	id  uint64
	Obj disk.Block // nil until filled
}

func (slot *Cslot) Lock() {
	slot.mu.Lock()
}

func (slot *Cslot) Unlock() {
	slot.mu.Unlock()
}

func (slot *Cslot) TryLock() bool {
	return slot.mu.TryLock()
}

func (slot *Cslot) Id() uint64 {
	return slot.id
}

func (slot *Cslot) MarkDirty() {
	slot.c.setFlag(slot.id, func(e *entry) { e.dirty = true })
}

func (slot *Cslot) ClearDirty() {
	slot.c.setFlag(slot.id, func(e *entry) { e.dirty = false })
}

func (slot *Cslot) IsDirty() bool {
	var dirty bool
	slot.c.setFlag(slot.id, func(e *entry) { dirty = e.dirty })
	return dirty
}

func (slot *Cslot) SetWriteback(wb bool) {
	slot.c.setFlag(slot.id, func(e *entry) { e.writeback = wb })
}

type entry struct {
	ref       uint32 // the slot's reference count
	dirty     bool
	writeback bool
	elem      *list.Element // on lru iff ref == 0
	slot      Cslot
}

type Cache struct {
	mu      *sync.Mutex
	entries map[uint64]*entry
	lru     *list.List
	sz      uint64
	cnt     uint64
}

func MkCache(sz uint64) *Cache {
	entries := make(map[uint64]*entry, sz)
	return &Cache{
		mu:      new(sync.Mutex),
		entries: entries,
		lru:     list.New(),
		cnt:     0,
		sz:      sz,
	}
}

func (c *Cache) setFlag(id uint64, f func(e *entry)) {
	c.mu.Lock()
	e := c.entries[id]
	if e == nil {
		c.mu.Unlock()
		panic("setFlag")
	}
	f(e)
	c.mu.Unlock()
}

func (c *Cache) evict() bool {
	for le := c.lru.Front(); le != nil; le = le.Next() {
		e := le.Value.(*entry)
		if e.dirty || e.writeback {
			continue
		}
		util.DPrintf(5, "evict: %d\n", e.slot.id)
		c.lru.Remove(le)
		delete(c.entries, e.slot.id)
		c.cnt = c.cnt - 1
		return true
	}
	return false
}

func (c *Cache) ref(e *entry) *Cslot {
	if e.ref == 0 {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.ref = e.ref + 1
	return &e.slot
}

// Lookup the cache slot for id.  Create the slot if id isn't in the
// cache and if there is space in the cache. If no space, return
// nil to indicate the caller to write back dirty slots.
func (c *Cache) LookupSlot(id uint64) *Cslot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e != nil {
		return c.ref(e)
	}
	if c.cnt >= c.sz {
		if !c.evict() {
			// failed to find victim. caller is
			// responsible for creating space.
			return nil
		}
	}
	enew := &entry{ref: 1}
	enew.slot = Cslot{mu: new(sync.Mutex), c: c, id: id}
	c.entries[id] = enew
	c.cnt = c.cnt + 1
	return &enew.slot
}

// Lookup returns the slot for id only if it is cached.
func (c *Cache) Lookup(id uint64) *Cslot {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		return nil
	}
	return c.ref(e)
}

// Decrease ref count of the cache slot for id so that the slot may be
// evicted
func (c *Cache) FreeSlot(id uint64) {
	c.mu.Lock()
	e := c.entries[id]
	if e == nil || e.ref == 0 {
		c.mu.Unlock()
		panic("FreeSlot")
	}
	e.ref = e.ref - 1
	if e.ref == 0 {
		e.elem = c.lru.PushBack(e)
	}
	c.mu.Unlock()
}

// Drop removes an unreferenced slot whatever its dirty state; it
// reports false if the slot is still referenced.
func (c *Cache) Drop(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		return true
	}
	if e.ref > 0 {
		return false
	}
	c.lru.Remove(e.elem)
	delete(c.entries, id)
	c.cnt = c.cnt - 1
	return true
}

// DirtyIds returns the ids of all dirty slots in increasing order.
func (c *Cache) DirtyIds() []uint64 {
	c.mu.Lock()
	ids := make([]uint64, 0)
	for id, e := range c.entries {
		if e.dirty {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Cache) Len() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cnt
}
