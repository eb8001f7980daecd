package engine

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/bolt/internal/bolterr"
	"github.com/tanq16/bolt/internal/journal"
	"github.com/tanq16/bolt/internal/planner"
	"github.com/tanq16/bolt/internal/segment"
)

func testBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + i/255) % 256)
	}
	return b
}

// throttledReader slows ServeContent down so tests can observe mid-flight
// state.
type throttledReader struct {
	*bytes.Reader
	delay time.Duration
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if len(p) > 8*1024 {
		p = p[:8*1024]
	}
	time.Sleep(r.delay)
	return r.Reader.Read(p)
}

func rangeServer(t *testing.T, body []byte, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			http.ServeContent(w, r, "f.bin", time.Now(), &throttledReader{bytes.NewReader(body), delay})
			return
		}
		http.ServeContent(w, r, "f.bin", time.Now(), bytes.NewReader(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.JournalInterval = 50 * time.Millisecond
	return cfg
}

func waitForTerminal(t *testing.T, e *Engine, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st := e.State(); st.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("engine never reached a terminal state, still %s (err: %v)", e.State(), e.Err())
	return StateIdle
}

func TestEngineHappyPath(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 0)

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(out)

	var callbacks atomic.Int32
	e.SetCallback(func(p Progress) {
		callbacks.Add(1)
	})

	require.NoError(t, e.Start())
	st := waitForTerminal(t, e, 15*time.Second)
	require.Equal(t, StateCompleted, st)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	assert.False(t, journal.Exists(out), "journal must be removed on success")
	assert.Positive(t, callbacks.Load())

	p := e.Progress()
	assert.Equal(t, int64(len(body)), p.DownloadedBytes)
	assert.Equal(t, int64(len(body)), p.TotalBytes)
	assert.InDelta(t, 100.0, p.Percent, 0.01)
	assert.Equal(t, StateCompleted, p.State)

	// Multi-segment plan for a 1 MiB resource.
	assert.GreaterOrEqual(t, len(e.SegmentProgress()), 2)
}

func TestEngineHeadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	out := filepath.Join(t.TempDir(), "missing.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/gone"))
	e.SetOutputPath(out)

	err := e.Start()
	require.Error(t, err)
	assert.Equal(t, bolterr.KindNotFound, bolterr.KindOf(err))
	assert.Equal(t, StateFailed, e.State())

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "file must not be created on HEAD failure")
}

func TestEngineNoRangeServer(t *testing.T) {
	body := testBody(700 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Accept-Ranges; Range headers ignored.
		w.Header().Set("Content-Length", "716800")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(body)
	}))
	defer server.Close()

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f"))
	e.SetOutputPath(out)

	require.NoError(t, e.Start())
	require.Len(t, e.SegmentProgress(), 1, "no-range server gets exactly one worker")

	st := waitForTerminal(t, e, 15*time.Second)
	require.Equal(t, StateCompleted, st)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestEngineUnknownSize(t *testing.T) {
	body := testBody(300 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		// Chunked transfer: no Content-Length.
		io.Copy(w, bytes.NewReader(body))
	}))
	defer server.Close()

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f"))
	e.SetOutputPath(out)

	require.NoError(t, e.Start())
	require.Len(t, e.SegmentProgress(), 1)

	st := waitForTerminal(t, e, 15*time.Second)
	require.Equal(t, StateCompleted, st)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	p := e.Progress()
	assert.Equal(t, int64(0), p.TotalBytes)
	assert.Equal(t, float64(0), p.Percent, "percent undefined with unknown total")
	assert.Equal(t, int64(len(body)), p.DownloadedBytes)
}

func TestEnginePauseResumeAcrossInstances(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 5*time.Millisecond)

	out := filepath.Join(t.TempDir(), "out.bin")

	first := New(testConfig())
	require.NoError(t, first.SetURL(server.URL+"/f.bin"))
	first.SetOutputPath(out)
	require.NoError(t, first.Start())

	// Let some progress accumulate, then pause and tear down mid-flight.
	deadline := time.Now().Add(10 * time.Second)
	for first.Progress().DownloadedBytes == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Positive(t, first.Progress().DownloadedBytes)

	require.NoError(t, first.Pause())
	assert.Equal(t, StatePaused, first.State())
	first.Cancel()

	require.True(t, journal.Exists(out), "journal must survive interruption")

	m, err := journal.Load(out)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/f.bin", m.URL)
	assert.True(t, m.LayoutValid())

	// Relaunch with the same URL and output: must resume, not restart.
	second := New(testConfig())
	require.NoError(t, second.SetURL(server.URL+"/f.bin"))
	second.SetOutputPath(out)
	require.NoError(t, second.Start())

	st := waitForTerminal(t, second, 30*time.Second)
	require.Equal(t, StateCompleted, st)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, data, "resumed file must be byte-identical")
	assert.False(t, journal.Exists(out))
}

func TestEngineIncompatibleJournalDiscarded(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 0)

	out := filepath.Join(t.TempDir(), "out.bin")

	// A journal from some other resource.
	stale := &journal.Meta{
		URL:        "https://other.example.com/old.bin",
		OutputPath: out,
		TotalSize:  12345,
		Segments:   []journal.SegmentRecord{{ID: 0, Offset: 0, Size: 12345, FileOffset: 0, Downloaded: 600}},
	}
	require.NoError(t, stale.Save())

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(out)
	require.NoError(t, e.Start())

	st := waitForTerminal(t, e, 15*time.Second)
	require.Equal(t, StateCompleted, st)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestEngineCancel(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 5*time.Millisecond)

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(out)

	var callbacks atomic.Int32
	e.SetCallback(func(p Progress) { callbacks.Add(1) })

	require.NoError(t, e.Start())

	deadline := time.Now().Add(10 * time.Second)
	for e.Progress().DownloadedBytes == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	e.Cancel()
	assert.Equal(t, StateCancelled, e.State())

	// Terminal states are sticky.
	assert.Error(t, e.Pause())
	assert.Error(t, e.Resume())
	e.Cancel()
	assert.Equal(t, StateCancelled, e.State())

	// No further callbacks after cancel.
	seen := callbacks.Load()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, seen, callbacks.Load())

	for _, p := range e.SegmentProgress() {
		assert.True(t, p.State == segment.StateCancelled || p.State == segment.StateCompleted)
	}

	assert.True(t, journal.Exists(out), "journal preserved on cancel")
}

func TestEnginePanickingCallbackIsSwallowed(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 0)

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(out)
	e.SetCallback(func(p Progress) {
		panic("observer bug")
	})

	require.NoError(t, e.Start())
	st := waitForTerminal(t, e, 15*time.Second)
	assert.Equal(t, StateCompleted, st)
}

func TestEngineStartTwice(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 0)

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(filepath.Join(t.TempDir(), "out.bin"))

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrInvalidState)

	waitForTerminal(t, e, 15*time.Second)
	assert.ErrorIs(t, e.Start(), ErrInvalidState)
}

func TestEngineRejectsNonHTTP(t *testing.T) {
	e := New(testConfig())
	err := e.SetURL("ftp://example.com/file.zip")
	require.Error(t, err)
	assert.Equal(t, bolterr.KindInvalidURL, bolterr.KindOf(err))

	err = e.SetURL("example.com/file.zip")
	require.Error(t, err)
	assert.Equal(t, bolterr.KindInvalidURL, bolterr.KindOf(err))
}

func TestEngineServerFilenameWins(t *testing.T) {
	body := testBody(600 * 1024)
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="served.bin"`)
		http.ServeContent(w, r, "f.bin", time.Now(), bytes.NewReader(body))
	}))
	defer server.Close()

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/urlname.bin"))

	require.NoError(t, e.Start())
	st := waitForTerminal(t, e, 15*time.Second)
	require.Equal(t, StateCompleted, st)

	assert.Equal(t, "served.bin", e.Filename())
	_, statErr := os.Stat(filepath.Join(dir, "served.bin"))
	assert.NoError(t, statErr)
}

func TestSegmentInvariants(t *testing.T) {
	body := testBody(1 << 20)
	server := rangeServer(t, body, 0)

	out := filepath.Join(t.TempDir(), "out.bin")

	e := New(testConfig())
	require.NoError(t, e.SetURL(server.URL+"/f.bin"))
	e.SetOutputPath(out)
	require.NoError(t, e.Start())

	for e.State() == StateDownloading {
		for _, p := range e.SegmentProgress() {
			require.GreaterOrEqual(t, p.Downloaded, int64(0))
			if p.Size > 0 {
				require.LessOrEqual(t, p.Downloaded, p.Size)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, StateCompleted, waitForTerminal(t, e, 15*time.Second))

	var sum int64
	for _, p := range e.SegmentProgress() {
		require.Equal(t, p.Downloaded, p.Size)
		sum += p.Downloaded
	}
	assert.Equal(t, int64(len(body)), sum)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size())
}

func TestDefaultConfigProfiles(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, planner.ProfileAggressive, cfg.Profile)
	assert.True(t, cfg.WorkStealing)
	assert.True(t, cfg.Resegmentation)
	assert.Equal(t, 15*time.Second, cfg.StallTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.MonitorInterval)
	assert.Equal(t, 5*time.Second, cfg.JournalInterval)
}
