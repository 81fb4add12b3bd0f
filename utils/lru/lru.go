package lru

import (
	"container/list"
	"sync"
)

type entry[V any] struct {
	key   string
	value V
}

// LRU memoizes values by key, evicting the least recently used one when full.
type LRU[V any] struct {
	maxSize int
	items   map[string]*list.Element
	list    *list.List
	mu      sync.Mutex
}

func New[V any](maxSize int) *LRU[V] {
	if maxSize < 1 {
		panic("assertion error: maxSize < 1")
	}
	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		list:    list.New(),
	}
}

// GetOrAdd returns the value cached for key or stores the result of newFn.
func (l *LRU[V]) GetOrAdd(key string, newFn func(string) V) V {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, ok := l.items[key]
	if ok {
		l.list.MoveToFront(element)
		return element.Value.(entry[V]).value
	}

	if len(l.items) >= l.maxSize {
		element = l.list.Back()
		l.list.Remove(element)
		delete(l.items, element.Value.(entry[V]).key)
	}

	v := newFn(key)
	l.items[key] = l.list.PushFront(entry[V]{key, v})
	return v
}

func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
