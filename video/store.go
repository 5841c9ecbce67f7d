package video

import "sync"

// StoreCapacity bounds the frame store: 90 frames is ~1.5s at 60fps,
// enough to ride out a GOP burst without holding GPU memory hostage.
const StoreCapacity = 90

// QueueStats is a point-in-time snapshot of the store's accounting.
type QueueStats struct {
	Len            int
	QueueLengthUS  int64
	TotalDiscarded int64
}

// TakeResult is the outcome of a timestamp lookup.
type TakeResult struct {
	Frame     Frame // nil when no frame at or before the timestamp exists
	Discarded int   // frames released because they were older than the match
	Stats     QueueStats
}

// Store is a bounded, timestamp-indexed queue of decoded frames. Frames
// are inserted in arrival order with non-decreasing timestamps; lookups
// binary-search by timestamp. The backing array is dense with a head
// index; the dead prefix is compacted once it exceeds half the capacity.
//
// The store is owned by the presentation thread and fed from the
// decoder's output callback; a single mutex covers the handoff, with
// contention bounded by the frame rate.
type Store struct {
	mu sync.Mutex

	slots  []Frame
	head   int
	length int

	queueLenUS     int64
	totalDiscarded int64
}

// NewStore creates an empty frame store.
func NewStore() *Store {
	return &Store{slots: make([]Frame, 0, StoreCapacity)}
}

// Insert appends a frame, evicting (and counting) the oldest frame when
// the store is full. The frame's ownership moves to the store.
func (s *Store) Insert(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.length == StoreCapacity {
		old := s.slots[s.head]
		s.slots[s.head] = nil
		s.head++
		s.length--
		s.queueLenUS -= old.Duration()
		s.totalDiscarded++
		old.Close()
	}

	tail := s.head + s.length
	if tail < len(s.slots) {
		s.slots[tail] = f
	} else {
		s.slots = append(s.slots, f)
	}
	s.length++
	s.queueLenUS += f.Duration()

	s.compactLocked()
}

// TakeByTimestamp finds the last frame whose timestamp is ≤ ts, releases
// every older frame (counted as discarded), and moves the match out to
// the caller. Absence of a match is not an error.
func (s *Store) TakeByTimestamp(ts int64) TakeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.searchLocked(ts)
	if idx < 0 {
		return TakeResult{Stats: s.statsLocked()}
	}

	discarded := 0
	for i := 0; i < idx; i++ {
		old := s.slots[s.head]
		s.slots[s.head] = nil
		s.head++
		s.length--
		s.queueLenUS -= old.Duration()
		s.totalDiscarded++
		old.Close()
		discarded++
	}

	f := s.slots[s.head]
	s.slots[s.head] = nil
	s.head++
	s.length--
	s.queueLenUS -= f.Duration()

	s.compactLocked()
	return TakeResult{Frame: f, Discarded: discarded, Stats: s.statsLocked()}
}

// PeekFirst returns the oldest frame without transferring ownership. The
// caller must not Close it.
func (s *Store) PeekFirst() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.length == 0 {
		return nil
	}
	return s.slots[s.head]
}

// PeekLast returns the newest frame without transferring ownership.
func (s *Store) PeekLast() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.length == 0 {
		return nil
	}
	return s.slots[s.head+s.length-1]
}

// TakeNext unconditionally moves the oldest frame out, or nil when empty.
func (s *Store) TakeNext() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.length == 0 {
		return nil
	}
	f := s.slots[s.head]
	s.slots[s.head] = nil
	s.head++
	s.length--
	s.queueLenUS -= f.Duration()
	s.compactLocked()
	return f
}

// Clear releases every frame.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.length; i++ {
		s.slots[s.head+i].Close()
		s.slots[s.head+i] = nil
	}
	s.head = 0
	s.length = 0
	s.queueLenUS = 0
	s.slots = s.slots[:0]
}

// Len returns the number of queued frames.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Stats returns the store's accounting snapshot.
func (s *Store) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() QueueStats {
	return QueueStats{
		Len:            s.length,
		QueueLengthUS:  s.queueLenUS,
		TotalDiscarded: s.totalDiscarded,
	}
}

// searchLocked binary-searches for the last live slot (relative to head)
// whose timestamp is ≤ ts; -1 when the first frame is already newer.
// Timestamp lookups are on the per-tick hot path, hence no linear scan.
func (s *Store) searchLocked(ts int64) int {
	lo, hi, found := 0, s.length-1, -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if s.slots[s.head+mid].Timestamp() <= ts {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return found
}

// compactLocked copies the live slots to the front once the dead prefix
// exceeds half the backing capacity, resetting head to zero.
func (s *Store) compactLocked() {
	if s.head <= StoreCapacity/2 {
		return
	}
	copy(s.slots, s.slots[s.head:s.head+s.length])
	for i := s.length; i < len(s.slots); i++ {
		s.slots[i] = nil
	}
	s.slots = s.slots[:s.length]
	s.head = 0
}
