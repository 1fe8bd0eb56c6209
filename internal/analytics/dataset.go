// Package analytics implements Analytics Engine datasets. Data points are
// buffered and written as structured log entries by a background flusher.
package analytics

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
)

// DefaultBufferSize is the number of points held before writes are dropped.
const DefaultBufferSize = 1024

// Sink receives flushed points. The default sink logs them.
type Sink func(dataset string, points []Point)

// Point is a data point with the time it was written.
type Point struct {
	core.AnalyticsDataPoint
	Timestamp time.Time
}

// Dataset is a core.AnalyticsEngineDataset. Writes never block.
type Dataset struct {
	name string
	sink Sink
	now  func() time.Time

	buf     chan Point
	dropped atomic.Int64
	written atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ core.AnalyticsEngineDataset = (*Dataset)(nil)

// Options configures a Dataset.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
	Sink          Sink
	Logger        *zap.Logger
}

// New starts a dataset and its flusher. Call Close to flush and stop.
func New(name string, opts Options) *Dataset {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Sink == nil {
		opts.Sink = LogSink(opts.Logger)
	}
	d := &Dataset{
		name: name,
		sink: opts.Sink,
		now:  time.Now,
		buf:  make(chan Point, opts.BufferSize),
		done: make(chan struct{}),
	}
	go d.flushLoop(opts.FlushInterval, opts.BatchSize)
	return d
}

// WriteDataPoint validates p and queues it. A full buffer or a closed
// dataset drops the point and counts it; the call still succeeds.
func (d *Dataset) WriteDataPoint(p core.AnalyticsDataPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	pt := Point{AnalyticsDataPoint: clonePoint(p), Timestamp: d.now()}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return nil
	}
	select {
	case d.buf <- pt:
	default:
		d.dropped.Add(1)
	}
	return nil
}

func clonePoint(p core.AnalyticsDataPoint) core.AnalyticsDataPoint {
	return core.AnalyticsDataPoint{
		Blobs:   append([]string(nil), p.Blobs...),
		Doubles: append([]float64(nil), p.Doubles...),
		Indexes: append([]string(nil), p.Indexes...),
	}
}

// Dropped reports how many points were lost to a full buffer or written
// after Close.
func (d *Dataset) Dropped() int64 { return d.dropped.Load() }

// Written reports how many points reached the sink.
func (d *Dataset) Written() int64 { return d.written.Load() }

func (d *Dataset) flushLoop(interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	batch := make([]Point, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.sink(d.name, batch)
		d.written.Add(int64(len(batch)))
		batch = make([]Point, 0, batchSize)
	}
	for {
		select {
		case p, ok := <-d.buf:
			if !ok {
				flush()
				close(d.done)
				return
			}
			batch = append(batch, p)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes buffered points and stops the flusher. Later writes are
// dropped.
func (d *Dataset) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.buf)
	}
	d.mu.Unlock()
	<-d.done
}

// LogSink writes each point as one info entry.
func LogSink(logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(dataset string, points []Point) {
		for _, p := range points {
			logger.Info("analytics data point",
				zap.String("dataset", dataset),
				zap.Time("timestamp", p.Timestamp),
				zap.Strings("indexes", p.Indexes),
				zap.Strings("blobs", p.Blobs),
				zap.Float64s("doubles", p.Doubles))
		}
	}
}
