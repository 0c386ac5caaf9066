package cache

import (
	"container/list"
	"sync"
	"time"
)

// Descriptor 是索引中每个键仅保留的轻量信息。
type Descriptor struct {
	Size       int64
	Generation string
}

// EvictReason 区分容量淘汰与过期淘汰。
type EvictReason int

const (
	EvictCapacity EvictReason = iota
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Eviction 描述一次淘汰，携带淘汰时的 generation，处置方据此避免误删新写入的条目。
type Eviction struct {
	Key        string
	Descriptor Descriptor
	Reason     EvictReason
}

// EvictionQueue 接收索引产生的淘汰通知。Enqueue 在索引锁内调用，实现不得阻塞。
type EvictionQueue interface {
	Enqueue(Eviction)
}

// Index 是按 size 累计计算容量的 LRU 索引，并对每个条目施加自写入起的 maxAge 上限。
// 所有方法并发安全。
type Index struct {
	mu sync.Mutex

	maxBytes int64
	maxAge   time.Duration
	now      func() time.Time
	queue    EvictionQueue

	items map[string]*indexItem
	lru   *list.List // Front = MRU
	age   *list.List // Front = 最早写入
	size  int64

	evictions   uint64
	expirations uint64
}

type indexItem struct {
	key        string
	desc       Descriptor
	insertedAt time.Time
	lruElem    *list.Element
	ageElem    *list.Element
}

// NewIndex 创建索引。maxBytes <= 0 表示不限容量，maxAge <= 0 表示不过期。
func NewIndex(maxBytes int64, maxAge time.Duration, queue EvictionQueue) *Index {
	return &Index{
		maxBytes: maxBytes,
		maxAge:   maxAge,
		now:      time.Now,
		queue:    queue,
		items:    make(map[string]*indexItem),
		lru:      list.New(),
		age:      list.New(),
	}
}

// Put 插入或替换 key。替换不算淘汰，不会产生通知。插入后若累计容量超限，
// 从 LRU 尾部依次淘汰，刚插入的条目除外；单个条目本身超限时索引保持超限状态。
func (x *Index) Put(key string, desc Descriptor) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.now()
	x.expireLocked(now)

	if item, ok := x.items[key]; ok {
		x.size += desc.Size - item.desc.Size
		item.desc = desc
		item.insertedAt = now
		x.lru.MoveToFront(item.lruElem)
		x.age.MoveToBack(item.ageElem)
	} else {
		item := &indexItem{key: key, desc: desc, insertedAt: now}
		item.lruElem = x.lru.PushFront(item)
		item.ageElem = x.age.PushBack(item)
		x.items[key] = item
		x.size += desc.Size
	}

	x.evictOverCapacityLocked()
}

// Get 命中时刷新最近使用位置。
func (x *Index) Get(key string) (Descriptor, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.expireLocked(x.now())
	item, ok := x.items[key]
	if !ok {
		return Descriptor{}, false
	}
	x.lru.MoveToFront(item.lruElem)
	return item.desc, true
}

// Has 只判断存在性，不刷新最近使用位置。
func (x *Index) Has(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.expireLocked(x.now())
	_, ok := x.items[key]
	return ok
}

// Remove 直接移除 key，不产生淘汰通知。
func (x *Index) Remove(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	item, ok := x.items[key]
	if !ok {
		return false
	}
	x.unlinkLocked(item)
	return true
}

// Keys 按最近使用到最久未使用的顺序返回全部未过期的键。
func (x *Index) Keys() []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.expireLocked(x.now())
	keys := make([]string, 0, x.lru.Len())
	for el := x.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*indexItem).key)
	}
	return keys
}

// Len 返回当前条目数（可能包含尚未被清理的过期条目）。
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// SizeBytes 返回当前累计的 size。
func (x *Index) SizeBytes() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.size
}

// Counters 返回容量淘汰与过期淘汰的累计次数。
func (x *Index) Counters() (evictions, expirations uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.evictions, x.expirations
}

// Reset 清空索引，不产生淘汰通知。
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.items = make(map[string]*indexItem)
	x.lru.Init()
	x.age.Init()
	x.size = 0
}

// expireLocked 依赖 age 链表按写入时间有序：maxAge 固定，所以从头部弹出直到遇到未过期条目即可。
func (x *Index) expireLocked(now time.Time) {
	if x.maxAge <= 0 {
		return
	}
	for el := x.age.Front(); el != nil; el = x.age.Front() {
		item := el.Value.(*indexItem)
		if now.Sub(item.insertedAt) < x.maxAge {
			return
		}
		x.unlinkLocked(item)
		x.expirations++
		x.notifyLocked(item, EvictExpired)
	}
}

func (x *Index) evictOverCapacityLocked() {
	if x.maxBytes <= 0 {
		return
	}
	for x.size > x.maxBytes && x.lru.Len() > 1 {
		item := x.lru.Back().Value.(*indexItem)
		x.unlinkLocked(item)
		x.evictions++
		x.notifyLocked(item, EvictCapacity)
	}
}

func (x *Index) unlinkLocked(item *indexItem) {
	x.lru.Remove(item.lruElem)
	x.age.Remove(item.ageElem)
	delete(x.items, item.key)
	x.size -= item.desc.Size
}

func (x *Index) notifyLocked(item *indexItem, reason EvictReason) {
	if x.queue == nil {
		return
	}
	x.queue.Enqueue(Eviction{Key: item.key, Descriptor: item.desc, Reason: reason})
}
