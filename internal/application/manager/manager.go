// ABOUTME: Station manager for lifecycle and lookup
// ABOUTME: Creates stations and their sample buffers from config
package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harper/station-input-buffer/internal/application/config"
	"github.com/harper/station-input-buffer/internal/domain/station"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/ring"
	"github.com/harper/station-input-buffer/internal/infrastructure/source"
	"github.com/harper/station-input-buffer/internal/logging"
)

type Manager struct {
	stations map[string]*station.Station
	mu       sync.RWMutex
	log      logging.Logger
}

func NewFromConfig(cfg *config.Config) (*Manager, error) {
	mgr := &Manager{
		stations: make(map[string]*station.Station),
		log:      logging.Log("manager"),
	}

	for _, stCfg := range cfg.Stations {
		// Create dependencies
		srcCfg := source.HTTPConfig{
			URL:            stCfg.Source.URL,
			ConnectTimeout: time.Duration(stCfg.Source.ConnectTimeoutMs) * time.Millisecond,
			ReadTimeout:    time.Duration(stCfg.Source.ReadTimeoutMs) * time.Millisecond,
			Headers:        stCfg.Source.RequestHeaders,
		}
		src := source.NewHTTP(srcCfg)

		buffer, err := ring.New[complex64](stCfg.Buffer.Ring())
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", stCfg.ID, err)
		}

		// Create station
		stationCfg := station.Config{
			ID:            stCfg.ID,
			Clock:         timestamp.NewClock(stCfg.ClockHz),
			StatsInterval: time.Duration(stCfg.StatsIntervalMs) * time.Millisecond,
			BlockSize:     stCfg.Stream.BlockSize,
			ReadTimeout:   time.Duration(stCfg.Stream.ReadTimeoutMs) * time.Millisecond,
		}

		mgr.stations[stCfg.ID] = station.New(stationCfg, src, buffer)
		mgr.log.Debug("station %s: %d channels x %d samples from %s",
			stCfg.ID, stCfg.Buffer.Channels, stCfg.Buffer.Capacity, src.URL())
	}

	return mgr, nil
}

func (m *Manager) Get(id string) *station.Station {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stations[id]
}

// List returns the stations ordered by id.
func (m *Manager) List() []*station.Station {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*station.Station, 0, len(m.stations))
	for _, st := range m.stations {
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

func (m *Manager) Start() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, st := range m.stations {
		if err := st.Start(); err != nil {
			return err
		}
		m.log.Info("station %s started", st.ID())
	}

	return nil
}

func (m *Manager) Shutdown() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, st := range m.stations {
		if err := st.Shutdown(); err != nil {
			return err
		}
	}

	return nil
}
