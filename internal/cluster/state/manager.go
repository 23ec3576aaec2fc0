package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/logger"
)

const (
	stateFileName        = "coordinator-state.json"
	saveDebounceDuration = 100 * time.Millisecond
)

// Provider supplies the state to persist and receives it back on Load.
type Provider interface {
	SnapshotState() *PersistentState
	RestoreState(state *PersistentState) error
}

type StateManager struct {
	dataDir  string
	provider Provider
	logger   logger.Logger

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

func NewStateManager(dataDir string, log logger.Logger) (*StateManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	if log == nil {
		log = logger.NopLogger
	}

	m := &StateManager{
		dataDir: dataDir,
		logger:  log.WithPrefix("state: "),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

func (m *StateManager) SetProvider(provider Provider) {
	m.mu.Lock()
	m.provider = provider
	m.mu.Unlock()
}

func (m *StateManager) getProvider() Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider
}

func (m *StateManager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() && m.getProvider() != nil {
				if err := m.save(); err != nil {
					m.logger.Errorf("save: %v", err)
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a debounced save.
func (m *StateManager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

// Load restores the saved state into the provider. A missing file is not an
// error.
func (m *StateManager) Load() error {
	provider := m.getProvider()
	if provider == nil {
		return errors.New("provider not set")
	}

	state, err := m.read()
	if err != nil || state == nil {
		return err
	}
	return provider.RestoreState(state)
}

func (m *StateManager) read() (*PersistentState, error) {
	data, err := os.ReadFile(m.FilePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state file")
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "unmarshal state")
	}
	if state.Version != CurrentStateVersion {
		return nil, errors.Errorf("unsupported state version: %d", state.Version)
	}
	return &state, nil
}

func (m *StateManager) save() error {
	provider := m.getProvider()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear before snapshotting so a concurrent MarkDirty is not lost.
	m.dirty.Store(false)
	state := provider.SnapshotState()
	state.Version = CurrentStateVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.dirty.Store(true)
		return errors.Wrap(err, "marshal state")
	}

	path := m.FilePath()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		m.dirty.Store(true)
		return errors.Wrap(err, "write temp file")
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		m.dirty.Store(true)
		return errors.Wrap(err, "rename state file")
	}
	return nil
}

// Save writes the provider's state immediately.
func (m *StateManager) Save() error {
	if m.getProvider() == nil {
		return errors.New("provider not set")
	}
	return m.save()
}

func (m *StateManager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	if m.dirty.Load() && m.getProvider() != nil {
		return m.save()
	}
	return nil
}

func (m *StateManager) FilePath() string {
	return filepath.Join(m.dataDir, stateFileName)
}
