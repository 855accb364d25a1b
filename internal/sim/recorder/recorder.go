// Package recorder buffers avalanche records and hands them to a sink in
// fixed-size batches so a long run's output never accumulates in memory.
package recorder

import (
	"errors"

	"fracflow.ai/internal/sim/cascade"
)

// DefaultBatchSize is the number of records per flushed batch.
const DefaultBatchSize = 10000

// Avalanche is the persisted summary of one non-empty cascade.
type Avalanche struct {
	// Seq is the 1-based avalanche counter value.
	Seq int64 `json:"seq"`
	// Step is the iteration in which the cascade was triggered.
	Step     int64           `json:"step"`
	Interior bool            `json:"interior"`
	Trigger  cascade.Trigger `json:"trigger"`
	Slips    int             `json:"slips"`
	Size     int             `json:"size"`
	Energy   float64         `json:"energy"`
	LMax     int             `json:"l_max"`
	// OriginDistance is the shell distance of the site the cascade started from.
	OriginDistance int `json:"origin_distance"`
}

// Sink persists batches. A batch slice is owned by the sink once passed in.
type Sink interface {
	Append(batch []Avalanche) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]Avalanche) error

func (f SinkFunc) Append(b []Avalanche) error { return f(b) }

type Recorder struct {
	sink      Sink
	batchSize int

	buf     []Avalanche
	total   int64
	flushes int
	flushed int64
}

// New returns a recorder flushing to sink every batchSize records.
// batchSize <= 0 selects DefaultBatchSize; a nil sink discards batches.
func New(sink Sink, batchSize int) *Recorder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if sink == nil {
		sink = SinkFunc(func([]Avalanche) error { return nil })
	}
	return &Recorder{
		sink:      sink,
		batchSize: batchSize,
		buf:       make([]Avalanche, 0, batchSize),
	}
}

// Record appends a and assigns its Seq. The buffer is flushed the moment it
// holds batchSize records.
func (r *Recorder) Record(a Avalanche) error {
	r.total++
	a.Seq = r.total
	r.buf = append(r.buf, a)
	if len(r.buf) >= r.batchSize {
		return r.flush()
	}
	return nil
}

// Drain flushes whatever is buffered. It is a no-op when the buffer is empty.
func (r *Recorder) Drain() error {
	if len(r.buf) == 0 {
		return nil
	}
	return r.flush()
}

func (r *Recorder) flush() error {
	batch := r.buf
	r.buf = make([]Avalanche, 0, r.batchSize)
	r.flushes++
	r.flushed += int64(len(batch))
	return r.sink.Append(batch)
}

// Total is the number of avalanches recorded so far.
func (r *Recorder) Total() int64 { return r.total }

// Pending is the number of buffered, unflushed records.
func (r *Recorder) Pending() int { return len(r.buf) }

// Flushes is the number of batches handed to the sink.
func (r *Recorder) Flushes() int { return r.flushes }

// Flushed is the number of records handed to the sink.
func (r *Recorder) Flushed() int64 { return r.flushed }

// Multi fans each batch out to every sink. All sinks are called; the errors
// are joined.
type Multi []Sink

func (m Multi) Append(batch []Avalanche) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps every batch; tests read it back.
type Memory struct {
	Batches [][]Avalanche
}

func (m *Memory) Append(batch []Avalanche) error {
	m.Batches = append(m.Batches, batch)
	return nil
}

// Rows flattens the stored batches.
func (m *Memory) Rows() []Avalanche {
	var out []Avalanche
	for _, b := range m.Batches {
		out = append(out, b...)
	}
	return out
}
