package syncutil

import (
	"runtime"
	"sync/atomic"
)

// SeqLock coordinates one writer with any number of readers without
// ever blocking the writer. The writer brackets payload writes with
// WriteBegin/WriteEnd; readers snapshot the sequence, copy the
// payload, and retry when ReadRetry reports the sequence moved.
//
// An odd sequence means a write is in progress. The payload fields
// themselves must be held in atomic values so individual loads cannot
// tear; the sequence tells a reader when its combined copy is suspect.
type SeqLock struct {
	seq atomic.Uint32
}

// WriteBegin marks the start of a write, leaving the sequence odd.
// Single writer only.
func (s *SeqLock) WriteBegin() {
	s.seq.Add(1)
}

// WriteEnd marks the end of a write, returning the sequence to even.
func (s *SeqLock) WriteEnd() {
	s.seq.Add(1)
}

// ReadSeq returns a stable (even) sequence to validate a read against,
// yielding past any write in progress.
func (s *SeqLock) ReadSeq() uint32 {
	for {
		v := s.seq.Load()
		if v&1 == 0 {
			return v
		}
		runtime.Gosched()
	}
}

// ReadRetry reports whether a read begun at seq observed a concurrent
// write and must be retried.
func (s *SeqLock) ReadRetry(seq uint32) bool {
	return s.seq.Load() != seq
}
