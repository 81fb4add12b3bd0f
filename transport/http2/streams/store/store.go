package store

import (
	"sync"
)

type StreamsMapUnlocked[S any] map[uint32]S

func NewStreamsMapUnlocked[S any](size int) StreamsMapUnlocked[S] {
	return make(map[uint32]S, size)
}

func (m StreamsMapUnlocked[S]) Each(fn func(S)) {
	for _, stream := range m {
		fn(stream)
	}
}
func (m StreamsMapUnlocked[S]) Set(id uint32, stream S) { m[id] = stream }
func (m StreamsMapUnlocked[S]) Len() int                { return len(m) }

func (m StreamsMapUnlocked[S]) Get(id uint32) (S, bool) {
	s, ok := m[id]
	return s, ok
}

func (m StreamsMapUnlocked[S]) GetAndDelete(id uint32) (S, bool) {
	stream, ok := m[id]
	if ok {
		m.Delete(id)
	}
	return stream, ok
}
func (m StreamsMapUnlocked[S]) Delete(id uint32) { delete(m, id) }

// StreamsMap is a stream store guarded by a mutex.
type StreamsMap[S any] struct {
	m  StreamsMapUnlocked[S]
	mu *sync.RWMutex
}

func NewStreamsMap[S any](size int) *StreamsMap[S] {
	return &StreamsMap[S]{
		m:  NewStreamsMapUnlocked[S](size),
		mu: &sync.RWMutex{},
	}
}

func (s *StreamsMap[S]) Each(fn func(S)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.m.Each(fn)
}

func (s *StreamsMap[S]) Set(id uint32, stream S) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Set(id, stream)
}

func (s *StreamsMap[S]) Get(id uint32) (S, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Get(id)
}

func (s *StreamsMap[S]) GetAndDelete(id uint32) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.m.GetAndDelete(id)
}

func (s *StreamsMap[S]) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Delete(id)
}

func (s *StreamsMap[S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Len()
}

// ShardedStreamsMap spreads streams over shards by id. Client stream ids are
// odd, so only odd shards are allocated.
type ShardedStreamsMap[S any] struct {
	shards []*StreamsMap[S]
	max    uint32
}

// NewShardedStreamsMap creates size shards, size must be a power of two.
func NewShardedStreamsMap[S any](size uint32, shardSize int) *ShardedStreamsMap[S] {
	shards := make([]*StreamsMap[S], size*2)
	for i := 1; i < len(shards); i += 2 {
		shards[i] = NewStreamsMap[S](shardSize)
	}
	return &ShardedStreamsMap[S]{shards, size*2 - 1}
}

func (s *ShardedStreamsMap[S]) shard(id uint32) *StreamsMap[S] {
	return s.shards[id&s.max|1]
}

func (s *ShardedStreamsMap[S]) Each(fn func(S)) {
	for i := 1; i < len(s.shards); i += 2 {
		s.shards[i].Each(fn)
	}
}

func (s *ShardedStreamsMap[S]) Set(id uint32, stream S) {
	s.shard(id).Set(id, stream)
}

func (s *ShardedStreamsMap[S]) Get(id uint32) (S, bool) {
	return s.shard(id).Get(id)
}

func (s *ShardedStreamsMap[S]) GetAndDelete(id uint32) (S, bool) {
	return s.shard(id).GetAndDelete(id)
}

func (s *ShardedStreamsMap[S]) Delete(id uint32) {
	s.shard(id).Delete(id)
}

func (s *ShardedStreamsMap[S]) Len() int {
	var n int
	for i := 1; i < len(s.shards); i += 2 {
		n += s.shards[i].Len()
	}
	return n
}
