package httpx

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/tanq16/bolt/internal/logging"
)

// Handle is an HTTP client handle checked out of the pool. A handle in use
// is exclusive to one worker.
type Handle struct {
	client    *http.Client
	transport *http.Transport
	host      string
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

func (h *Handle) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

// Pool keeps idle handles per host. A single mutex covers the whole pool.
type Pool struct {
	mu          sync.Mutex
	hosts       map[string][]*Handle
	maxIdleTime time.Duration
	newHandle   func(host string) *Handle
	janitor     *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

const defaultIdleEviction = 60 * time.Second

// NewPool creates a handle pool whose idle handles are evicted after
// defaultIdleEviction (60 s).
func NewPool(cfg *Config) *Pool {
	p := &Pool{
		hosts:       make(map[string][]*Handle),
		maxIdleTime: defaultIdleEviction,
		done:        make(chan struct{}),
	}
	p.newHandle = func(host string) *Handle {
		return newHandle(host, cfg)
	}
	p.janitor = time.NewTicker(p.maxIdleTime / 2)
	go p.evictLoop()
	return p
}

func newHandle(host string, cfg *Config) *Handle {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleConnTimeout:     defaultIdleEviction,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		ForceAttemptHTTP2:   true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	if !cfg.DisableHTTP2 {
		// Explicit h2 config so idle streams get ping-based liveness checks.
		if h2, err := http2.ConfigureTransports(transport); err == nil {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
	}
	now := time.Now()
	return &Handle{
		client:    &http.Client{Transport: transport},
		transport: transport,
		host:      host,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}
}

// Acquire returns an idle handle for host, creating one when none is free.
func (p *Pool) Acquire(host string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.hosts[host] {
		if !h.inUse {
			h.inUse = true
			h.lastUsed = time.Now()
			return h
		}
	}

	h := p.newHandle(host)
	p.hosts[host] = append(p.hosts[host], h)
	return h
}

// Release puts a handle back for reuse.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h.inUse = false
	h.lastUsed = time.Now()
}

func (p *Pool) evictLoop() {
	log := logging.GetLogger("httpx")
	for {
		select {
		case <-p.janitor.C:
			n := p.evictIdle(time.Now())
			if n > 0 {
				log.Debug().Int("evicted", n).Msg("closed idle connection handles")
			}
		case <-p.done:
			return
		}
	}
}

func (p *Pool) evictIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for host, handles := range p.hosts {
		kept := handles[:0]
		for _, h := range handles {
			if !h.inUse && now.Sub(h.lastUsed) >= p.maxIdleTime {
				h.transport.CloseIdleConnections()
				evicted++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(p.hosts, host)
		} else {
			p.hosts[host] = kept
		}
	}
	return evicted
}

// Close shuts down the janitor and closes every handle.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.janitor.Stop()
		close(p.done)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for host, handles := range p.hosts {
		for _, h := range handles {
			h.transport.CloseIdleConnections()
		}
		delete(p.hosts, host)
	}
}
