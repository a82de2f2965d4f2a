// ABOUTME: Station domain model feeding a sample buffer from its stream source
// ABOUTME: Manages the writer goroutine, statistics reporting, and attached readers
package station

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harper/station-input-buffer/internal/domain"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/frame"
	"github.com/harper/station-input-buffer/internal/infrastructure/ring"
	"github.com/harper/station-input-buffer/internal/logging"
)

type Config struct {
	ID            string
	Clock         timestamp.Clock
	StatsInterval time.Duration
	RetryInterval time.Duration
	BlockSize     int
	ReadTimeout   time.Duration
}

type Station struct {
	id    string
	clock timestamp.Clock
	log   logging.Logger

	source domain.StreamSource
	buffer *ring.Buffer[complex64]

	statsInterval time.Duration
	retryInterval time.Duration
	blockSize     int
	readTimeout   time.Duration

	sourceHealthy atomic.Bool
	lastBlockAt   atomic.Pointer[time.Time]
	rejected      atomic.Int64

	readers   map[*Reader]struct{}
	readersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, source domain.StreamSource, buffer *ring.Buffer[complex64]) *Station {
	ctx, cancel := context.WithCancel(context.Background())
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	return &Station{
		id:            cfg.ID,
		clock:         cfg.Clock,
		log:           logging.Log("station." + cfg.ID),
		source:        source,
		buffer:        buffer,
		statsInterval: cfg.StatsInterval,
		retryInterval: retry,
		blockSize:     cfg.BlockSize,
		readTimeout:   cfg.ReadTimeout,
		readers:       make(map[*Reader]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (s *Station) ID() string {
	return s.id
}

func (s *Station) Clock() timestamp.Clock {
	return s.clock
}

func (s *Station) BlockSize() int {
	return s.blockSize
}

func (s *Station) ReadTimeout() time.Duration {
	return s.readTimeout
}

func (s *Station) Capacity() int {
	return s.buffer.Capacity()
}

func (s *Station) Channels() int {
	return s.buffer.Channels()
}

func (s *Station) SourceHealthy() bool {
	return s.sourceHealthy.Load()
}

func (s *Station) SetSourceHealthy(healthy bool) {
	s.sourceHealthy.Store(healthy)
}

func (s *Station) LastBlockAt() *time.Time {
	return s.lastBlockAt.Load()
}

// Rejected counts frames whose layout did not match the buffer.
func (s *Station) Rejected() int64 {
	return s.rejected.Load()
}

func (s *Station) Stats() ring.Stats {
	return s.buffer.Stats()
}

func (s *Station) HighestWritten() timestamp.Index {
	return s.buffer.HighestWritten()
}

func (s *Station) ReadStart() timestamp.Index {
	return s.buffer.ReadStart()
}

func (s *Station) Start() error {
	s.wg.Add(1)
	go s.runSourceReader()

	if s.statsInterval > 0 {
		s.wg.Add(1)
		go s.runStatsReporter()
	}

	return nil
}

// Shutdown stops the writer, unblocks every reader and reports the
// accumulated statistics.
func (s *Station) Shutdown() error {
	s.cancel()
	s.buffer.Close()
	s.wg.Wait()

	st := s.buffer.Stats()
	s.log.Info("end of run: %s (%v of data lost), %d frames rejected",
		st, s.clock.Duration(st.Total()), s.Rejected())
	return nil
}

func (s *Station) runSourceReader() {
	defer s.wg.Done()

	for {
		err := s.consume()
		s.SetSourceHealthy(false)

		if s.ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Error("source: %v", err)
		} else {
			s.log.Info("source: stream ended, reconnecting")
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.retryInterval):
		}
	}
}

// consume writes frames from one source connection into the buffer until
// the stream ends or fails.
func (s *Station) consume() error {
	stream, err := s.source.Connect(s.ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	s.SetSourceHealthy(true)

	dec := frame.NewDecoder(stream)
	for {
		block, err := dec.Next()
		if err != nil {
			return err
		}

		if block.Channels != s.buffer.Channels() {
			s.rejected.Add(1)
			s.log.Debug("rejecting frame at %s: %d channels, want %d", block.Begin, block.Channels, s.buffer.Channels())
			continue
		}

		if _, err := s.buffer.Write(s.ctx, block.Samples, block.Begin, block.Count(), block.Stride); err != nil {
			return err
		}

		now := time.Now()
		s.lastBlockAt.Store(&now)
	}
}

func (s *Station) runStatsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	var last ring.Stats
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			st := s.buffer.Stats()
			if st != last {
				s.log.Info("%s, highest written %s (%s)", st, s.HighestWritten(),
					s.clock.Time(s.HighestWritten()).Format(time.RFC3339Nano))
				last = st
			} else {
				s.log.Debug("%s, highest written %s", st, s.HighestWritten())
			}
		}
	}
}
