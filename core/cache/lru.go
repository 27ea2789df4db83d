package cache

import (
	"container/list"
	"sync"
	"time"
)

const DefaultLRUSize = 128

type LRUOpts[V any] struct {
	// Size is the maximum number of entries. Values <= 0 use DefaultLRUSize.
	Size int

	// OnEvict is called for entries the cache drops on its own, either to
	// stay within Size or because their TTL passed. It runs on the cache
	// goroutine and must not call back into the same LRU.
	OnEvict func(key string, val V)

	// Now overrides the clock used for TTL checks.
	Now func() time.Time
}

type entry[V any] struct {
	key       string
	val       V
	expiresAt time.Time
}

// LRU is an in-memory least-recently-used cache. All operations are
// executed by a single goroutine, so the recency order is a total order
// consistent with the order in which calls are served.
type LRU[V any] struct {
	size    int
	onEvict func(key string, val V)
	now     func() time.Time

	reqs      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// owned by run
	ll    *list.List
	items map[string]*list.Element
}

func NewLRU[V any](opts LRUOpts[V]) *LRU[V] {
	if opts.Size <= 0 {
		opts.Size = DefaultLRUSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &LRU[V]{
		size:    opts.Size,
		onEvict: opts.OnEvict,
		now:     opts.Now,
		reqs:    make(chan func()),
		done:    make(chan struct{}),
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}

	go l.run()

	return l
}

func (L *LRU[V]) run() {
	for {
		select {
		case fn := <-L.reqs:
			fn()
		case <-L.done:
			return
		}
	}
}

// do hands fn to the cache goroutine and waits until it ran.
// It reports false if the cache is closed.
func (L *LRU[V]) do(fn func()) bool {
	ack := make(chan struct{})
	select {
	case L.reqs <- func() { fn(); close(ack) }:
	case <-L.done:
		return false
	}
	<-ack
	return true
}

func (L *LRU[V]) Size() int { return L.size }

func (L *LRU[V]) Get(key string) (val V, ok bool) {
	L.do(func() {
		ele, found := L.items[key]
		if !found {
			return
		}
		e := ele.Value.(*entry[V])
		if L.expired(e) {
			L.evict(ele)
			return
		}
		L.ll.MoveToFront(ele)
		val, ok = e.val, true
	})
	return
}

// Peek is like Get but leaves the recency order untouched.
func (L *LRU[V]) Peek(key string) (val V, ok bool) {
	L.do(func() {
		ele, found := L.items[key]
		if !found {
			return
		}
		e := ele.Value.(*entry[V])
		if L.expired(e) {
			return
		}
		val, ok = e.val, true
	})
	return
}

func (L *LRU[V]) Put(key string, val V, opts ...PutOption) {
	o := applyPutOptions(opts)
	L.do(func() { L.store(key, val, o.TTL) })
}

// Update atomically replaces the value for key with the result of fn.
// fn receives the current value (ok=false on miss or expiry). If fn returns
// store=false, any entry for key is removed instead. Like OnEvict, fn runs
// on the cache goroutine and must not call back into the same LRU.
func (L *LRU[V]) Update(key string, fn func(old V, ok bool) (val V, store bool), opts ...PutOption) {
	o := applyPutOptions(opts)
	L.do(func() {
		var (
			old V
			ok  bool
			ele *list.Element
		)
		if found, exists := L.items[key]; exists {
			e := found.Value.(*entry[V])
			if L.expired(e) {
				L.evict(found)
			} else {
				old, ok, ele = e.val, true, found
			}
		}
		val, store := fn(old, ok)
		switch {
		case store:
			L.store(key, val, o.TTL)
		case ele != nil:
			L.remove(ele)
		}
	})
}

func (L *LRU[V]) Delete(key string) {
	L.Pop(key)
}

// Pop removes key and returns the value it held.
func (L *LRU[V]) Pop(key string) (val V, ok bool) {
	L.do(func() {
		ele, found := L.items[key]
		if !found {
			return
		}
		e := ele.Value.(*entry[V])
		L.remove(ele)
		if L.expired(e) {
			return
		}
		val, ok = e.val, true
	})
	return
}

func (L *LRU[V]) Clear() {
	L.do(func() {
		L.ll.Init()
		clear(L.items)
	})
}

func (L *LRU[V]) Len() (n int) {
	L.do(func() { n = L.ll.Len() })
	return
}

// Keys returns the live keys, most recently used first.
func (L *LRU[V]) Keys() (keys []string) {
	L.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return
}

// Range calls fn for each live entry, most recently used first, until fn
// returns false. The recency order is not changed. fn runs on the cache
// goroutine and must not call back into the same LRU.
func (L *LRU[V]) Range(fn func(key string, val V) bool) {
	L.do(func() {
		for ele := L.ll.Front(); ele != nil; ele = ele.Next() {
			e := ele.Value.(*entry[V])
			if L.expired(e) {
				continue
			}
			if !fn(e.key, e.val) {
				return
			}
		}
	})
}

// Close stops the cache goroutine. Later calls are no-ops returning zero values.
func (L *LRU[V]) Close() {
	L.closeOnce.Do(func() { close(L.done) })
}

func (L *LRU[V]) store(key string, val V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = L.now().Add(ttl)
	}

	if ele, ok := L.items[key]; ok {
		L.ll.MoveToFront(ele)
		e := ele.Value.(*entry[V])
		e.val = val
		e.expiresAt = expiresAt
		return
	}

	ele := L.ll.PushFront(&entry[V]{key: key, val: val, expiresAt: expiresAt})
	L.items[key] = ele
	for L.ll.Len() > L.size {
		last := L.ll.Back()
		if last == nil {
			break
		}
		L.evict(last)
	}
}

func (L *LRU[V]) expired(e *entry[V]) bool {
	return !e.expiresAt.IsZero() && !L.now().Before(e.expiresAt)
}

func (L *LRU[V]) remove(ele *list.Element) {
	L.ll.Remove(ele)
	delete(L.items, ele.Value.(*entry[V]).key)
}

func (L *LRU[V]) evict(ele *list.Element) {
	L.remove(ele)
	if L.onEvict != nil {
		e := ele.Value.(*entry[V])
		L.onEvict(e.key, e.val)
	}
}

var _ Cache[any] = (*LRU[any])(nil)
