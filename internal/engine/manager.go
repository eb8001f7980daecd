package engine

import (
	"errors"
	"sort"
	"sync"

	"github.com/tanq16/bolt/internal/logging"
)

// ErrDownloadNotFound is returned when no engine is registered under an id.
var ErrDownloadNotFound = errors.New("download not found")

// Manager is the registry of engines keyed by numeric id. A single mutex
// covers the registry; the engines synchronize themselves.
type Manager struct {
	mu        sync.Mutex
	downloads map[uint32]*Engine
	nextID    uint32
}

func NewManager() *Manager {
	return &Manager{
		downloads: make(map[uint32]*Engine),
		nextID:    1,
	}
}

// Create registers a new engine for url. The output path may be empty; the
// engine derives it during preparation.
func (m *Manager) Create(url, outputPath string, cfg *Config) (uint32, error) {
	e := New(cfg)
	if err := e.SetURL(url); err != nil {
		return 0, err
	}
	if outputPath != "" {
		e.SetOutputPath(outputPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.downloads[id] = e

	logger := logging.GetLogger("manager")
	logger.Debug().Uint32("id", id).Str("url", url).Msg("download registered")
	return id, nil
}

// Get returns the engine for an id.
func (m *Manager) Get(id uint32) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.downloads[id]
	if !ok {
		return nil, ErrDownloadNotFound
	}
	return e, nil
}

func (m *Manager) Start(id uint32) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	return e.Start()
}

func (m *Manager) Pause(id uint32) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	return e.Pause()
}

func (m *Manager) Resume(id uint32) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	return e.Resume()
}

func (m *Manager) Cancel(id uint32) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	e.Cancel()
	return nil
}

// Progress returns the aggregate snapshot for an id.
func (m *Manager) Progress(id uint32) (Progress, error) {
	e, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return e.Progress(), nil
}

// Remove drops an engine from the registry. It is a no-op unless the engine
// is in a terminal state.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.downloads[id]
	if !ok {
		return
	}
	if !e.State().Terminal() {
		return
	}
	delete(m.downloads, id)
}

// Downloads lists the registered ids in ascending order.
func (m *Manager) Downloads() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.downloads))
	for id := range m.downloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
