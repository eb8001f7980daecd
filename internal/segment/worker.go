package segment

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tanq16/bolt/internal/bolterr"
	"github.com/tanq16/bolt/internal/httpx"
)

const (
	maxRetries   = 3
	retryBackoff = 200 * time.Millisecond
)

// Fetcher issues ranged GETs. Implemented by httpx.Client.
type Fetcher interface {
	GetRange(ctx context.Context, url string, offset, length int64, sink httpx.ChunkFunc, stop *atomic.Bool) error
}

// errRangeSatisfied aborts an in-flight stream once the (possibly shrunk)
// range boundary has been reached.
var errRangeSatisfied = errors.New("segment range satisfied")

// Start launches the worker goroutine. Only a pending segment can start;
// a segment restored at 100% completes immediately.
func (s *Segment) Start() bool {
	if size := s.size.Load(); size > 0 && s.downloaded.Load() >= size {
		if s.casState(StatePending, StateCompleted) {
			return true
		}
		return false
	}

	if !s.casState(StatePending, StateConnecting) {
		return false
	}

	s.startTime.Store(time.Now().UnixNano())
	s.spawn()
	return true
}

// MarkStalled is the monitor-driven downloading→stalled transition.
func (s *Segment) MarkStalled() bool {
	return s.casState(StateDownloading, StateStalled)
}

// Resume restarts a stalled worker: joins the in-flight task, clears the
// stop flag, and reissues the range from the current downloaded offset.
func (s *Segment) Resume() bool {
	if !s.casState(StateStalled, StateConnecting) {
		return false
	}

	s.stop.Store(true)
	s.join()
	s.stop.Store(false)
	s.spawn()
	return true
}

// Cancel aborts the transfer and joins the worker. The segment keeps its
// partial bytes and does not become failed.
func (s *Segment) Cancel() {
	st := s.State()
	if st == StateCompleted || st == StateFailed {
		return
	}
	s.setState(StateCancelled)
	s.stop.Store(true)
	s.join()
}

// join waits for the current in-flight task, if any.
func (s *Segment) join() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Segment) spawn() {
	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run()
	}()
}

// run drives the ranged GET with retry. Transient transport errors retry
// from the current downloaded position with a short fixed backoff.
func (s *Segment) run() {
	for attempt := 0; ; attempt++ {
		before := s.downloaded.Load()
		err := s.transfer()
		if s.downloaded.Load() > before {
			// Progress restores the retry budget; only consecutive dead
			// attempts count.
			attempt = 0
		}
		if err == nil || errors.Is(err, errRangeSatisfied) {
			if s.stop.Load() {
				// Cancelled or parked for resume; state already set.
				return
			}
			if size := s.size.Load(); size == 0 || s.downloaded.Load() >= size {
				s.setState(StateCompleted)
				s.log.Debug().Int64("bytes", s.downloaded.Load()).Msg("segment complete")
				return
			}
			// Short body without an error: the connection closed early.
			err = bolterr.New(bolterr.KindConnectionLost, "GET", s.url, errors.New("stream ended before range was satisfied"))
		}

		if s.stop.Load() {
			return
		}

		if bolterr.KindOf(err) == bolterr.KindStallDetected {
			// The engine decides when to restart a stalled worker.
			s.setErr(err)
			s.setState(StateStalled)
			s.log.Debug().Msg("segment stalled, waiting for monitor")
			return
		}

		if bolterr.IsTransient(err) && attempt < maxRetries {
			s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("transient error, retrying range")
			time.Sleep(retryBackoff)
			continue
		}

		s.setErr(err)
		s.setState(StateFailed)
		s.log.Debug().Err(err).Msg("segment failed")
		return
	}
}

// transfer performs one ranged GET from the current progress position. An
// unranged worker issues a plain GET; since the server replays the whole
// body, any partial progress restarts from zero.
func (s *Segment) transfer() error {
	if s.unranged && s.downloaded.Load() > 0 {
		s.downloaded.Store(0)
	}

	size := s.size.Load()
	downloaded := s.downloaded.Load()

	if size > 0 && downloaded >= size {
		return nil
	}

	var startByte, length int64
	if !s.unranged {
		startByte = s.offset + downloaded
		if size > 0 {
			length = size - downloaded
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tie the request to the stop flag so a cancel tears down a blocked read.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watch:
				return
			case <-ticker.C:
				if s.stop.Load() {
					cancel()
					return
				}
			}
		}
	}()

	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	first := true
	sink := func(p []byte) error {
		if first {
			s.casState(StateConnecting, StateDownloading)
			first = false
		}

		// Clamp at the live boundary; a steal may have shrunk the range
		// while this stream was in flight.
		if sz := s.size.Load(); sz > 0 {
			rem := sz - s.downloaded.Load()
			if rem <= 0 {
				return errRangeSatisfied
			}
			if int64(len(p)) > rem {
				p = p[:rem]
			}
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(p)); err != nil {
				return err
			}
		}

		if _, err := s.sink.WriteAt(p, s.fileOffset+s.downloaded.Load()); err != nil {
			return err
		}
		s.addDownloaded(int64(len(p)))
		return nil
	}

	return s.fetcher.GetRange(ctx, s.url, startByte, length, sink, &s.stop)
}
