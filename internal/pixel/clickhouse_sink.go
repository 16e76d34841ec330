package pixel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/storage"
)

// ClickHouseSink buffers events and batch-inserts them into ClickHouse.
// Fire never blocks: events are dropped (with a log line) when the buffer
// is full or the sink is closed.
type ClickHouseSink struct {
	db            *storage.ClickHouseDB
	logger        *logging.Logger
	buf           chan Event
	flushInterval time.Duration
	flushSize     int
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// ClickHouseSinkConfig configures the buffered sink.
type ClickHouseSinkConfig struct {
	DB            *storage.ClickHouseDB
	Logger        *logging.Logger
	BufferSize    int           // default 1024
	FlushInterval time.Duration // default 5s
	FlushSize     int           // default 128
}

// NewClickHouseSink creates the pixels table if needed and starts the
// background flusher.
func NewClickHouseSink(ctx context.Context, cfg *ClickHouseSinkConfig) (*ClickHouseSink, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("clickhouse connection cannot be nil")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	flushSize := cfg.FlushSize
	if flushSize <= 0 {
		flushSize = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	if err := ensurePixelsTable(ctx, cfg.DB); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		db:            cfg.DB,
		logger:        logger,
		buf:           make(chan Event, bufferSize),
		flushInterval: flushInterval,
		flushSize:     flushSize,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go s.flushLoop()

	return s, nil
}

func ensurePixelsTable(ctx context.Context, db *storage.ClickHouseDB) error {
	query := `
		CREATE TABLE IF NOT EXISTS pixels (
			name String,
			params String,
			fired_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (name, fired_at)
	`
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create pixels table: %w", err)
	}
	return nil
}

// Fire implements Sink.
func (s *ClickHouseSink) Fire(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case s.buf <- event:
	default:
		s.logger.WithField("pixel", event.Name).Warn("Pixel buffer full, dropping event")
	}
}

// Close flushes any buffered events and stops the flusher.
func (s *ClickHouseSink) Close() {
	close(s.stopCh)
	<-s.doneCh
}

// flushLoop drains the buffer on a timer or when enough events accumulate.
func (s *ClickHouseSink) flushLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, s.flushSize)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := s.insertBatch(pending); err != nil {
			s.logger.WithError(err).Warn("Failed to flush pixel batch, dropping events")
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-s.stopCh:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case ev := <-s.buf:
					pending = append(pending, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-s.buf:
			pending = append(pending, ev)
			if len(pending) >= s.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// insertBatch writes events with a prepared batch, mirroring the engine's
// other bulk ClickHouse writes.
func (s *ClickHouseSink) insertBatch(events []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := s.db.Conn().PrepareBatch(ctx, `INSERT INTO pixels (name, params, fired_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare pixel batch: %w", err)
	}

	for _, ev := range events {
		params := "{}"
		if len(ev.Params) > 0 {
			raw, err := json.Marshal(ev.Params)
			if err != nil {
				return fmt.Errorf("failed to marshal pixel params: %w", err)
			}
			params = string(raw)
		}
		if err := batch.Append(ev.Name, params, ev.Time); err != nil {
			return fmt.Errorf("failed to append pixel to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send pixel batch: %w", err)
	}
	return nil
}
