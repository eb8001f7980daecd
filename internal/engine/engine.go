package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tanq16/bolt/internal/bolterr"
	"github.com/tanq16/bolt/internal/disk"
	"github.com/tanq16/bolt/internal/httpx"
	"github.com/tanq16/bolt/internal/journal"
	"github.com/tanq16/bolt/internal/logging"
	"github.com/tanq16/bolt/internal/planner"
	"github.com/tanq16/bolt/internal/segment"
	"github.com/tanq16/bolt/internal/urlx"
)

// State is the engine lifecycle. Terminal states are sticky.
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateDownloading
	StatePaused
	StateStalled
	StateCompleting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateStalled:
		return "stalled"
	case StateCompleting:
		return "completing"
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

// Terminal reports whether the engine can no longer change state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress is the aggregate snapshot handed to the observer callback.
type Progress struct {
	State             State
	TotalBytes        int64
	DownloadedBytes   int64
	SpeedBps          int64
	AverageSpeedBps   int64
	ActiveSegments    int
	CompletedSegments int
	FailedSegments    int
	Percent           float64
	ETASeconds        int64
	StartTime         time.Time
	LastUpdate        time.Time
}

// Callback observes aggregate progress. It is invoked with a snapshot copy
// while no engine lock is held; panics are swallowed.
type Callback func(Progress)

// Config tunes one engine.
type Config struct {
	Profile         planner.Profile
	SegmentCount    int // 0 = auto
	WorkStealing    bool
	Resegmentation  bool
	StallTimeout    time.Duration
	MonitorInterval time.Duration
	JournalInterval time.Duration
	ThrottleBps     int64
	HTTP            *httpx.Config
}

// DefaultConfig matches the aggressive profile with stealing and
// resegmentation enabled.
func DefaultConfig() *Config {
	return &Config{
		Profile:         planner.ProfileAggressive,
		WorkStealing:    true,
		Resegmentation:  true,
		StallTimeout:    15 * time.Second,
		MonitorInterval: 100 * time.Millisecond,
		JournalInterval: 5 * time.Second,
	}
}

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// engine's current state.
	ErrInvalidState = errors.New("operation not valid in current state")
)

// Engine downloads one resource through concurrent segment workers. It owns
// its segments, file sink, HTTP client and monitor goroutine.
type Engine struct {
	id     uuid.UUID
	config *Config

	url        urlx.URL
	rawURL     string
	outputPath string
	outputDir  string

	state atomic.Int32

	client *httpx.Client
	sink   *disk.Writer

	segMu    sync.Mutex
	segments []*segment.Segment

	totalSize      int64
	filename       string
	contentType    string
	supportsRanges bool

	progMu sync.Mutex
	prog   Progress

	cbMu     sync.Mutex
	callback Callback

	lifeMu      sync.Mutex
	monitorStop chan struct{}
	monitorDone chan struct{}

	errMu   sync.Mutex
	failErr error

	startTime   time.Time
	lastJournal time.Time

	log zerolog.Logger
}

// New creates an idle engine.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		id:     uuid.New(),
		config: cfg,
	}
	e.state.Store(int32(StateIdle))
	e.log = logging.GetLogger("engine").With().Str("download", e.id.String()[:8]).Logger()
	return e
}

// SetURL parses and installs the download URL. Only http and https schemes
// are downloadable.
func (e *Engine) SetURL(raw string) error {
	u, err := urlx.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsHTTP() {
		return bolterr.New(bolterr.KindInvalidURL, "set_url", raw, fmt.Errorf("unsupported scheme %q", u.Scheme()))
	}
	e.url = u
	e.rawURL = u.Full()
	return nil
}

// SetOutputPath overrides the destination file.
func (e *Engine) SetOutputPath(path string) {
	e.outputPath = path
}

// SetOutputDir places the derived filename under dir when no explicit
// output path is set.
func (e *Engine) SetOutputDir(dir string) {
	e.outputDir = dir
}

// SetCallback installs the progress observer. The slot has its own mutex,
// distinct from the progress mutex.
func (e *Engine) SetCallback(cb Callback) {
	e.cbMu.Lock()
	e.callback = cb
	e.cbMu.Unlock()
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config { return e.config }

func (e *Engine) URL() string         { return e.rawURL }
func (e *Engine) OutputPath() string  { return e.outputPath }
func (e *Engine) TotalSize() int64    { return e.totalSize }
func (e *Engine) Filename() string    { return e.filename }
func (e *Engine) ContentType() string { return e.contentType }

// State returns the engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) casState(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// Err returns the error that drove the engine into failed.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.failErr
}

func (e *Engine) setErr(err error) {
	e.errMu.Lock()
	if e.failErr == nil {
		e.failErr = err
	}
	e.errMu.Unlock()
}

// Start prepares the download (HEAD, journal, plan, sink) and launches the
// segment workers and the monitor loop.
func (e *Engine) Start() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.casState(StateIdle, StatePreparing) {
		return ErrInvalidState
	}

	if err := e.prepare(); err != nil {
		e.setErr(err)
		e.setState(StateFailed)
		e.log.Error().Err(err).Msg("preparation failed")
		return err
	}

	e.setState(StateDownloading)
	e.startTime = time.Now()
	e.lastJournal = time.Now()

	e.segMu.Lock()
	for _, s := range e.segments {
		s.Start()
	}
	e.segMu.Unlock()

	e.startMonitor()
	e.log.Info().Str("url", e.rawURL).Str("output", e.outputPath).Int64("size", e.totalSize).Msg("download started")
	return nil
}

// prepare performs the HEAD probe, resolves the output path, restores a
// compatible journal or asks the planner, and opens the sink.
func (e *Engine) prepare() error {
	if e.rawURL == "" {
		return bolterr.New(bolterr.KindInvalidURL, "start", "", errors.New("no URL set"))
	}

	e.client = httpx.NewClient(e.config.HTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	desc, err := e.client.Head(ctx, e.rawURL)
	if err != nil {
		e.client.Close()
		e.client = nil
		return err
	}

	e.totalSize = desc.ContentLength
	e.contentType = desc.ContentType
	e.supportsRanges = desc.AcceptsRanges && e.totalSize > 0

	// The server-supplied filename wins over the URL-derived one.
	e.filename = desc.Filename
	if e.filename == "" {
		e.filename = e.url.Filename()
	}
	if e.outputPath == "" {
		if e.outputDir != "" {
			if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
				e.client.Close()
				e.client = nil
				return bolterr.New(bolterr.KindPermissionDenied, "mkdir", e.outputDir, err)
			}
			e.outputPath = filepath.Join(e.outputDir, e.filename)
		} else {
			e.outputPath = e.filename
		}
	}

	specs, restored, resumed := e.restoreOrPlan()

	sink, err := disk.OpenWriter(e.outputPath, e.totalSize, resumed)
	if err != nil {
		e.client.Close()
		e.client = nil
		return err
	}
	e.sink = sink

	segs := make([]*segment.Segment, 0, len(specs))
	for _, spec := range specs {
		s := segment.New(spec, e.rawURL, e.client, sink)
		if d, ok := restored[spec.ID]; ok && d > 0 {
			s.Restore(d)
		}
		segs = append(segs, s)
	}

	e.segMu.Lock()
	e.segments = segs
	e.segMu.Unlock()

	e.rebalanceThrottle()

	e.progMu.Lock()
	e.prog = Progress{TotalBytes: e.totalSize, StartTime: time.Now()}
	e.progMu.Unlock()

	e.saveJournal()
	return nil
}

// restoreOrPlan loads a compatible journal, else consults the planner. The
// returned map carries per-segment resumed byte counts.
func (e *Engine) restoreOrPlan() ([]planner.SegmentSpec, map[uint32]int64, bool) {
	restored := make(map[uint32]int64)

	if journal.Exists(e.outputPath) {
		m, err := journal.Load(e.outputPath)
		if err == nil && m.URL == e.rawURL && m.TotalSize == e.totalSize && m.LayoutValid() {
			specs := make([]planner.SegmentSpec, 0, len(m.Segments))
			for _, rec := range m.Segments {
				specs = append(specs, planner.SegmentSpec{
					ID:         rec.ID,
					Offset:     rec.Offset,
					Size:       rec.Size,
					FileOffset: rec.FileOffset,
					Unranged:   !e.supportsRanges,
				})
				restored[rec.ID] = rec.Downloaded
			}
			e.log.Info().Int("segments", len(specs)).Msg("resuming from journal")
			return specs, restored, true
		}
		// Malformed or incompatible journals are discarded silently.
		e.log.Debug().Err(err).Msg("journal incompatible, starting fresh")
		journal.Remove(e.outputPath)
	}

	pl := planner.New(e.config.Profile)
	var specs []planner.SegmentSpec
	if e.config.SegmentCount > 0 {
		specs = pl.PlanFixed(e.totalSize, e.supportsRanges, e.config.SegmentCount)
	} else {
		specs = pl.Plan(e.totalSize, e.supportsRanges, 0)
	}
	e.log.Debug().Int("segments", len(specs)).Msg("planned fresh segmentation")
	return specs, restored, false
}

// startMonitor spawns the monitor loop. Caller holds lifeMu.
func (e *Engine) startMonitor() {
	e.monitorStop = make(chan struct{})
	e.monitorDone = make(chan struct{})
	go e.monitor(e.monitorStop, e.monitorDone)
}

// stopMonitor signals and joins the monitor loop. Caller holds lifeMu.
func (e *Engine) stopMonitor() {
	if e.monitorStop == nil {
		return
	}
	close(e.monitorStop)
	<-e.monitorDone
	e.monitorStop = nil
	e.monitorDone = nil
}

// monitor is the supervision loop: stall recovery, work stealing, dynamic
// resegmentation, aggregate progress, periodic journal flush, and terminal
// state detection.
func (e *Engine) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if e.State() != StateDownloading {
			return
		}

		e.superviseStalls()
		if e.config.WorkStealing {
			e.attemptWorkStealing()
		}
		if e.config.Resegmentation {
			e.attemptResegmentation()
		}

		e.updateProgress()

		completed, failed := e.terminalCheck()
		switch {
		case completed:
			e.finishCompleted()
			return
		case failed:
			e.finishFailed()
			return
		}

		if time.Since(e.lastJournal) >= e.config.JournalInterval {
			e.saveJournal()
			e.lastJournal = time.Now()
		}
	}
}

func (e *Engine) snapshotSegments() []*segment.Segment {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	out := make([]*segment.Segment, len(e.segments))
	copy(out, e.segments)
	return out
}

// superviseStalls drives downloading→stalled→resume for silent workers.
func (e *Engine) superviseStalls() {
	for _, s := range e.snapshotSegments() {
		if s.IsStalled(e.config.StallTimeout) {
			if s.MarkStalled() {
				e.log.Warn().Uint32("segment", s.ID()).Msg("segment stalled, restarting")
			}
		}
		if s.State() == segment.StateStalled {
			s.Resume()
		}
	}
}

// terminalCheck returns (allCompleted, allNonCompletedFailed).
func (e *Engine) terminalCheck() (bool, bool) {
	segs := e.snapshotSegments()
	completed, failed := 0, 0
	for _, s := range segs {
		switch s.State() {
		case segment.StateCompleted:
			completed++
		case segment.StateFailed:
			failed++
			e.setErr(s.Err())
		}
	}
	if completed == len(segs) {
		return true, false
	}
	return false, failed > 0 && completed+failed == len(segs)
}

func (e *Engine) finishCompleted() {
	if !e.casState(StateDownloading, StateCompleting) {
		return
	}
	if err := e.sink.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("final flush failed")
	}
	if err := e.sink.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close failed")
	}
	journal.Remove(e.outputPath)
	e.client.Close()
	e.casState(StateCompleting, StateCompleted)
	e.updateProgress()
	e.log.Info().Int64("bytes", e.Progress().DownloadedBytes).Msg("download complete")
}

func (e *Engine) finishFailed() {
	if !e.casState(StateDownloading, StateFailed) {
		return
	}
	e.saveJournal()
	e.sink.Close()
	e.client.Close()
	e.updateProgress()
	e.log.Error().Err(e.Err()).Msg("download failed")
}

// updateProgress recomputes the aggregate snapshot from lock-free segment
// counters, then invokes the observer with a copy while holding no lock.
func (e *Engine) updateProgress() {
	segs := e.snapshotSegments()

	var downloaded, speed int64
	active, completed, failed := 0, 0, 0
	for _, s := range segs {
		downloaded += s.Downloaded()
		speed += s.Speed()
		switch s.State() {
		case segment.StateConnecting, segment.StateDownloading:
			active++
		case segment.StateCompleted:
			completed++
		case segment.StateFailed:
			failed++
		}
	}

	var snap Progress
	e.progMu.Lock()
	e.prog.State = e.State()
	e.prog.DownloadedBytes = downloaded
	e.prog.SpeedBps = speed
	e.prog.ActiveSegments = active
	e.prog.CompletedSegments = completed
	e.prog.FailedSegments = failed
	e.prog.LastUpdate = time.Now()
	if elapsed := time.Since(e.startTime).Milliseconds(); elapsed > 0 {
		e.prog.AverageSpeedBps = downloaded * 1000 / elapsed
	}
	if e.totalSize > 0 {
		e.prog.Percent = float64(downloaded) * 100 / float64(e.totalSize)
		if speed > 0 {
			e.prog.ETASeconds = (e.totalSize - downloaded) / speed
		} else {
			e.prog.ETASeconds = 0
		}
	}
	snap = e.prog
	e.progMu.Unlock()

	e.cbMu.Lock()
	cb := e.callback
	e.cbMu.Unlock()

	if cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Debug().Interface("panic", r).Msg("observer callback panicked")
				}
			}()
			cb(snap)
		}()
	}
}

// attemptWorkStealing shrinks a slow donor and hands its tail to a worker
// that can cover it. When an existing segment's range ends exactly at the
// stolen boundary it is grown in place; otherwise a fresh segment takes the
// tail.
func (e *Engine) attemptWorkStealing() {
	segs := e.snapshotSegments()
	if len(segs) < 2 {
		return
	}

	live := 0
	for _, s := range segs {
		if !s.State().Terminal() {
			live++
		}
	}
	if live >= planner.New(e.config.Profile).Limits().MaxSegments {
		return
	}

	var fast, slow int64 = 0, -1
	downloading := 0
	for _, s := range segs {
		if s.State() != segment.StateDownloading {
			continue
		}
		downloading++
		sp := s.Speed()
		if sp > fast {
			fast = sp
		}
		if slow < 0 || sp < slow {
			slow = sp
		}
	}
	if downloading < 2 || !planner.ShouldSteal(fast, slow) {
		return
	}

	// Donor: among the slow downloading segments, the one with the most
	// stealable work.
	var donor *segment.Segment
	var grant int64
	for _, s := range segs {
		if s.State() != segment.StateDownloading || !planner.IsSlow(s.Speed()) {
			continue
		}
		if g := s.CanSteal(planner.StealMinKeep); g > grant {
			donor, grant = s, g
		}
	}
	if donor == nil {
		return
	}

	tailStart := donor.Offset() + donor.Size() - grant
	donor.StealBytes(grant)
	if donor.Downloaded() > donor.Size() {
		// Donor crossed the new boundary while we were deciding; undo and
		// skip this tick.
		donor.AddBytes(grant)
		return
	}

	// Prefer growing an active segment whose range ends at the boundary.
	for _, s := range segs {
		if s == donor {
			continue
		}
		st := s.State()
		if st != segment.StateConnecting && st != segment.StateDownloading {
			continue
		}
		if s.Offset()+s.Size() == tailStart {
			s.AddBytes(grant)
			e.log.Debug().Uint32("donor", donor.ID()).Uint32("receiver", s.ID()).Int64("bytes", grant).Msg("work stolen")
			return
		}
	}

	e.spawnSegment(tailStart, grant)
	e.log.Debug().Uint32("donor", donor.ID()).Int64("bytes", grant).Msg("work stolen to fresh segment")
}

// attemptResegmentation splits the largest downloading segment when worker
// capacity is spare.
func (e *Engine) attemptResegmentation() {
	limits := planner.New(e.config.Profile).Limits()
	maxSegments := limits.MaxSegments
	if e.config.SegmentCount > 0 && e.config.SegmentCount < maxSegments {
		maxSegments = e.config.SegmentCount
	}

	segs := e.snapshotSegments()
	active := 0
	for _, s := range segs {
		st := s.State()
		if st == segment.StateConnecting || st == segment.StateDownloading {
			active++
		}
	}
	if active >= maxSegments {
		return
	}

	var donor *segment.Segment
	var donorRem int64
	for _, s := range segs {
		if s.State() != segment.StateDownloading || s.CanSteal(0) == 0 {
			continue
		}
		if rem := s.Remaining(); rem > donorRem {
			donor, donorRem = s, rem
		}
	}
	if donor == nil || donorRem <= 2*limits.MinSegmentSize {
		return
	}

	half := donorRem / 2
	if half < limits.MinSegmentSize {
		return
	}

	oldEnd := donor.Offset() + donor.Size()
	newEnd := donor.Offset() + donor.Downloaded() + half
	donor.ReduceRange(newEnd)
	if donor.Downloaded() > donor.Size() {
		donor.ReduceRange(oldEnd)
		return
	}

	e.spawnSegment(newEnd, oldEnd-newEnd)
	e.log.Debug().Uint32("donor", donor.ID()).Int64("split", oldEnd-newEnd).Msg("segment split")
}

// spawnSegment creates and immediately starts a fresh segment covering
// [offset, offset+size).
func (e *Engine) spawnSegment(offset, size int64) {
	e.segMu.Lock()
	id := uint32(len(e.segments))
	s := segment.New(planner.SegmentSpec{
		ID:         id,
		Offset:     offset,
		Size:       size,
		FileOffset: offset,
	}, e.rawURL, e.client, e.sink)
	e.segments = append(e.segments, s)
	e.segMu.Unlock()

	e.rebalanceThrottle()
	s.Start()
}

// rebalanceThrottle splits the configured bandwidth budget evenly across
// live segments.
func (e *Engine) rebalanceThrottle() {
	if e.config.ThrottleBps <= 0 {
		return
	}
	segs := e.snapshotSegments()
	live := make([]*segment.Segment, 0, len(segs))
	for _, s := range segs {
		if !s.State().Terminal() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return
	}
	per := e.config.ThrottleBps / int64(len(live))
	if per < 1 {
		per = 1
	}
	burst := int(per)
	if burst < 512*1024 {
		burst = 512 * 1024
	}
	for _, s := range live {
		s.SetLimiter(rate.NewLimiter(rate.Limit(per), burst))
	}
}

// saveJournal persists per-segment progress next to the output file.
func (e *Engine) saveJournal() {
	segs := e.snapshotSegments()

	m := &journal.Meta{
		URL:        e.rawURL,
		OutputPath: e.outputPath,
		TotalSize:  e.totalSize,
	}
	for _, s := range segs {
		p := s.Progress()
		m.TotalDownloaded += p.Downloaded
		m.Segments = append(m.Segments, journal.SegmentRecord{
			ID:         p.ID,
			Offset:     p.Offset,
			Size:       p.Size,
			FileOffset: p.FileOffset,
			Downloaded: p.Downloaded,
		})
	}

	if err := m.Save(); err != nil {
		e.log.Warn().Err(err).Msg("journal save failed")
	}
}

// Pause stops the monitor and records progress. In-flight segment transfers
// are not killed; they settle on their own and nothing restarts them until
// Resume.
func (e *Engine) Pause() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.casState(StateDownloading, StatePaused) {
		return ErrInvalidState
	}
	e.stopMonitor()
	e.saveJournal()
	e.log.Info().Msg("download paused")
	return nil
}

// Resume restarts the monitor and any stalled workers.
func (e *Engine) Resume() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.casState(StatePaused, StateDownloading) {
		return ErrInvalidState
	}

	for _, s := range e.snapshotSegments() {
		if s.State() == segment.StateStalled {
			s.Resume()
		}
	}

	e.startMonitor()
	e.log.Info().Msg("download resumed")
	return nil
}

// Cancel tears the download down. Ordering is load-bearing: publish the
// terminal state, join the monitor, then join every worker, then close the
// sink. The journal stays on disk.
func (e *Engine) Cancel() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.State().Terminal() {
		return
	}

	e.setState(StateCancelled)
	e.stopMonitor()

	for _, s := range e.snapshotSegments() {
		s.Cancel()
	}

	if e.sink != nil {
		e.sink.Flush()
		e.sink.Close()
	}
	if e.client != nil {
		e.client.Close()
	}

	if len(e.snapshotSegments()) > 0 {
		e.saveJournal()
	}
	e.log.Info().Msg("download cancelled")
}

// Progress returns the last aggregate snapshot.
func (e *Engine) Progress() Progress {
	e.progMu.Lock()
	defer e.progMu.Unlock()
	p := e.prog
	p.State = e.State()
	return p
}

// SegmentProgress returns per-segment snapshots for display.
func (e *Engine) SegmentProgress() []segment.Progress {
	segs := e.snapshotSegments()
	out := make([]segment.Progress, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.Progress())
	}
	return out
}
