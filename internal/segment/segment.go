package segment

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tanq16/bolt/internal/logging"
	"github.com/tanq16/bolt/internal/planner"
)

// State is the segment lifecycle. Terminal states are sticky.
type State int32

const (
	StatePending State = iota
	StateConnecting
	StateDownloading
	StateStalled
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateDownloading:
		return "downloading"
	case StateStalled:
		return "stalled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Sink is the non-owning positional write handle into the engine's output
// file. The segment must not outlive the engine that owns the file.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Progress is a point-in-time snapshot of one segment. Counters may be
// slightly stale; that is acceptable for monitoring.
type Progress struct {
	ID              uint32
	State           State
	Offset          int64
	Size            int64
	FileOffset      int64
	Downloaded      int64
	SpeedBps        int64
	AverageSpeedBps int64
	Err             error
}

// speedWindow is the minimum sample width for the instantaneous speed.
const speedWindow = 100 * time.Millisecond

// speedDecay zeroes the reported speed when no bytes arrived for this long.
const speedDecay = time.Second

// Segment is one byte range of the resource and the worker that downloads
// it. Counters are atomics so the monitor loop reads them lock-free.
type Segment struct {
	id         uint32
	url        string
	offset     int64
	fileOffset int64
	unranged   bool

	size       atomic.Int64
	downloaded atomic.Int64
	state      atomic.Int32

	speedBps     atomic.Int64
	windowBytes  atomic.Int64
	windowStart  atomic.Int64 // unix nanos
	lastProgress atomic.Int64 // unix nanos
	startTime    atomic.Int64 // unix nanos

	stop atomic.Bool

	fetcher Fetcher
	sink    Sink
	limiter *rate.Limiter

	mu   sync.Mutex
	err  error
	done chan struct{}

	log zerolog.Logger
}

// New builds a segment from a plan entry. The sink is borrowed from the
// engine; the limiter may be nil.
func New(spec planner.SegmentSpec, url string, fetcher Fetcher, sink Sink) *Segment {
	s := &Segment{
		id:         spec.ID,
		url:        url,
		offset:     spec.Offset,
		fileOffset: spec.FileOffset,
		unranged:   spec.Unranged,
		fetcher:    fetcher,
		sink:       sink,
		log:        logging.GetLogger("segment").With().Uint32("segment", spec.ID).Logger(),
	}
	s.size.Store(spec.Size)
	s.state.Store(int32(StatePending))
	return s
}

// Restore seeds the downloaded counter from a resume journal.
func (s *Segment) Restore(downloaded int64) {
	s.downloaded.Store(downloaded)
}

// SetLimiter installs a bandwidth budget for this worker.
func (s *Segment) SetLimiter(l *rate.Limiter) {
	s.mu.Lock()
	s.limiter = l
	s.mu.Unlock()
}

func (s *Segment) ID() uint32        { return s.id }
func (s *Segment) Offset() int64     { return s.offset }
func (s *Segment) FileOffset() int64 { return s.fileOffset }
func (s *Segment) Size() int64       { return s.size.Load() }
func (s *Segment) Downloaded() int64 { return s.downloaded.Load() }

func (s *Segment) State() State {
	return State(s.state.Load())
}

func (s *Segment) setState(st State) {
	s.state.Store(int32(st))
}

// casState transitions from one specific state to another.
func (s *Segment) casState(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Err returns the last error recorded by the worker.
func (s *Segment) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Segment) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Remaining returns size − downloaded, 0 when overrun or unbounded.
func (s *Segment) Remaining() int64 {
	size := s.size.Load()
	if size == 0 {
		return 0
	}
	rem := size - s.downloaded.Load()
	if rem < 0 {
		return 0
	}
	return rem
}

// Speed returns the instantaneous speed, decayed to zero when the stream
// has been silent for over a second.
func (s *Segment) Speed() int64 {
	last := s.lastProgress.Load()
	if last == 0 || time.Since(time.Unix(0, last)) > speedDecay {
		return 0
	}
	return s.speedBps.Load()
}

// AverageSpeed is lifetime downloaded bytes over elapsed time.
func (s *Segment) AverageSpeed() int64 {
	start := s.startTime.Load()
	if start == 0 {
		return 0
	}
	elapsedMs := time.Since(time.Unix(0, start)).Milliseconds()
	if elapsedMs <= 0 {
		return 0
	}
	return s.downloaded.Load() * 1000 / elapsedMs
}

// IsStalled reports whether a downloading segment has made no progress for
// the given window.
func (s *Segment) IsStalled(timeout time.Duration) bool {
	if s.State() != StateDownloading {
		return false
	}
	last := s.lastProgress.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) >= timeout
}

// CanSteal returns the largest 4 KiB-aligned chunk of remaining work this
// segment can give away while keeping at least minKeep, 0 when nothing can
// move.
func (s *Segment) CanSteal(minKeep int64) int64 {
	if s.unranged || s.State() != StateDownloading {
		return 0
	}
	rem := s.Remaining()
	if rem <= minKeep {
		return 0
	}
	return planner.AlignSteal(rem - minKeep)
}

// StealBytes shrinks this segment's range by n (donor side). The HTTP range
// is re-derived from offset+size on the next request; the in-flight stream
// clamps at the new boundary.
func (s *Segment) StealBytes(n int64) {
	s.size.Add(-n)
}

// AddBytes grows this segment's range by n (receiver side).
func (s *Segment) AddBytes(n int64) {
	s.size.Add(n)
}

// ReduceRange sets the segment's end to newEndExclusive (resource offset),
// leaving downloaded untouched.
func (s *Segment) ReduceRange(newEndExclusive int64) {
	s.size.Store(newEndExclusive - s.offset)
}

// Progress returns a snapshot for monitoring and the journal.
func (s *Segment) Progress() Progress {
	return Progress{
		ID:              s.id,
		State:           s.State(),
		Offset:          s.offset,
		Size:            s.size.Load(),
		FileOffset:      s.fileOffset,
		Downloaded:      s.downloaded.Load(),
		SpeedBps:        s.Speed(),
		AverageSpeedBps: s.AverageSpeed(),
		Err:             s.Err(),
	}
}

// addDownloaded advances the counters after a successful sink write.
func (s *Segment) addDownloaded(n int64) {
	now := time.Now().UnixNano()
	s.downloaded.Add(n)
	s.lastProgress.Store(now)

	s.windowBytes.Add(n)
	start := s.windowStart.Load()
	if start == 0 {
		s.windowStart.Store(now)
		return
	}
	windowMs := (now - start) / int64(time.Millisecond)
	if windowMs >= speedWindow.Milliseconds() {
		s.speedBps.Store(s.windowBytes.Load() * 1000 / windowMs)
		s.windowBytes.Store(0)
		s.windowStart.Store(now)
	}
}
