package video

import (
	"testing"
)

// testFrame is a stub decoded frame that records release.
type testFrame struct {
	ts     int64
	dur    int64
	w, h   int
	closed int
}

func (f *testFrame) Timestamp() int64 { return f.ts }
func (f *testFrame) Duration() int64  { return f.dur }
func (f *testFrame) Width() int       { return f.w }
func (f *testFrame) Height() int      { return f.h }
func (f *testFrame) Close()           { f.closed++ }

func frameAt(ts int64) *testFrame {
	return &testFrame{ts: ts, dur: 33_333, w: 1920, h: 1080}
}

// fill inserts n frames spaced 33.333ms starting at base and returns them.
func fill(s *Store, base int64, n int) []*testFrame {
	frames := make([]*testFrame, n)
	for i := range frames {
		frames[i] = frameAt(base + int64(i)*33_333)
		s.Insert(frames[i])
	}
	return frames
}

func TestInsertAccounting(t *testing.T) {
	t.Parallel()
	s := NewStore()
	frames := fill(s, 0, 5)

	st := s.Stats()
	if st.Len != 5 {
		t.Fatalf("len = %d, want 5", st.Len)
	}
	// Queue length equals the sum of per-slot durations.
	var want int64
	for _, f := range frames {
		want += f.dur
	}
	if st.QueueLengthUS != want {
		t.Fatalf("queue length = %d, want %d", st.QueueLengthUS, want)
	}
	if st.TotalDiscarded != 0 {
		t.Fatalf("discarded = %d, want 0", st.TotalDiscarded)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	t.Parallel()
	s := NewStore()
	frames := fill(s, 0, StoreCapacity)

	// Each insertion at capacity evicts exactly the oldest frame.
	extra1 := frameAt(int64(StoreCapacity) * 33_333)
	s.Insert(extra1)
	st := s.Stats()
	if st.Len != StoreCapacity || st.TotalDiscarded != 1 {
		t.Fatalf("len/discarded = %d/%d, want %d/1", st.Len, st.TotalDiscarded, StoreCapacity)
	}
	if frames[0].closed != 1 {
		t.Fatal("oldest frame not released")
	}
	if frames[1].closed != 0 {
		t.Fatal("second frame released early")
	}

	extra2 := frameAt(int64(StoreCapacity+1) * 33_333)
	s.Insert(extra2)
	if got := s.Stats().TotalDiscarded; got != 2 {
		t.Fatalf("discarded = %d, want 2", got)
	}
	if frames[1].closed != 1 {
		t.Fatal("second frame not released by second eviction")
	}
}

func TestTakeByTimestamp(t *testing.T) {
	t.Parallel()
	s := NewStore()
	frames := fill(s, 1_000_000, 10)

	// Exact hit on the fourth frame releases the three before it.
	res := s.TakeByTimestamp(frames[3].ts)
	if res.Frame != frames[3] {
		t.Fatalf("took frame at %v", res.Frame.Timestamp())
	}
	if res.Discarded != 3 {
		t.Fatalf("discarded = %d, want 3", res.Discarded)
	}
	for i := 0; i < 3; i++ {
		if frames[i].closed != 1 {
			t.Fatalf("frame %d not released", i)
		}
	}
	if frames[3].closed != 0 {
		t.Fatal("taken frame was released by the store")
	}
	if got := s.Len(); got != 6 {
		t.Fatalf("len = %d, want 6", got)
	}

	// Between-frame timestamp selects the last frame at or before it.
	res = s.TakeByTimestamp(frames[5].ts + 10)
	if res.Frame != frames[5] {
		t.Fatalf("took frame at %v, want %v", res.Frame.Timestamp(), frames[5].ts)
	}
	if res.Discarded != 1 {
		t.Fatalf("discarded = %d, want 1", res.Discarded)
	}
}

func TestTakeByTimestampBeforeFirst(t *testing.T) {
	t.Parallel()
	s := NewStore()
	fill(s, 1_000_000, 3)

	res := s.TakeByTimestamp(999_999)
	if res.Frame != nil {
		t.Fatal("expected no frame")
	}
	if res.Discarded != 0 || res.Stats.Len != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestTakeByTimestampEmpty(t *testing.T) {
	t.Parallel()
	s := NewStore()
	if res := s.TakeByTimestamp(0); res.Frame != nil || res.Discarded != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPeekAndTakeNext(t *testing.T) {
	t.Parallel()
	s := NewStore()
	frames := fill(s, 0, 2)

	if got := s.PeekFirst(); got != frames[0] {
		t.Fatal("peek first mismatch")
	}
	if got := s.PeekLast(); got != frames[1] {
		t.Fatal("peek last mismatch")
	}
	if frames[0].closed != 0 {
		t.Fatal("peek released a frame")
	}

	if got := s.TakeNext(); got != frames[0] {
		t.Fatal("take next mismatch")
	}
	if got := s.TakeNext(); got != frames[1] {
		t.Fatal("take next mismatch")
	}
	if got := s.TakeNext(); got != nil {
		t.Fatal("expected nil from empty store")
	}
}

func TestClearReleasesAll(t *testing.T) {
	t.Parallel()
	s := NewStore()
	frames := fill(s, 0, 7)
	s.Clear()

	for i, f := range frames {
		if f.closed != 1 {
			t.Fatalf("frame %d closed %d times", i, f.closed)
		}
	}
	st := s.Stats()
	if st.Len != 0 || st.QueueLengthUS != 0 {
		t.Fatalf("stats after clear = %+v", st)
	}
}

func TestCompaction(t *testing.T) {
	t.Parallel()
	s := NewStore()

	// Drive the head index past capacity/2 by repeated insert+take and
	// verify ordering and accounting survive compaction.
	next := int64(0)
	for round := 0; round < 4; round++ {
		for i := 0; i < StoreCapacity/2+5; i++ {
			s.Insert(frameAt(next))
			next += 33_333
		}
		for s.Len() > 2 {
			f := s.TakeNext()
			f.Close()
		}
	}

	if s.head > StoreCapacity/2 {
		t.Fatalf("head = %d, compaction never ran", s.head)
	}

	// The survivors must still be the most recent frames in order.
	prev := int64(-1)
	for s.Len() > 0 {
		f := s.TakeNext()
		if f.Timestamp() <= prev {
			t.Fatalf("out of order after compaction: %d after %d", f.Timestamp(), prev)
		}
		prev = f.Timestamp()
		f.Close()
	}
}

func TestInvariantCountersMatchSlots(t *testing.T) {
	t.Parallel()
	s := NewStore()

	// Under a mixed workload the counters always equal the per-slot sums.
	check := func() {
		s.mu.Lock()
		var sum int64
		for i := 0; i < s.length; i++ {
			sum += s.slots[s.head+i].Duration()
		}
		if sum != s.queueLenUS {
			t.Fatalf("queueLenUS = %d, slot sum = %d", s.queueLenUS, sum)
		}
		if s.length < 0 || s.length > StoreCapacity {
			t.Fatalf("length = %d", s.length)
		}
		s.mu.Unlock()
	}

	ts := int64(0)
	for i := 0; i < 200; i++ {
		s.Insert(frameAt(ts))
		ts += 33_333
		check()
		if i%3 == 0 {
			res := s.TakeByTimestamp(ts - 100_000)
			if res.Frame != nil {
				res.Frame.Close()
			}
			check()
		}
	}
}
