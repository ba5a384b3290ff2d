package recorder

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/codec"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// Journal encodes domain values and appends them with a strictly increasing sequence number.
// Record waits for the write, so a record the caller saw succeed survives a crash when SyncEveryRecord is set.
type Journal struct {
	mu      sync.Mutex
	w       *Writer
	seq     uint64
	now     func() time.Time
	observe func(schema.EventHeader)
}

// Open resumes the journal in cfg.Dir after its last record and starts the writer.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	cfg = cfg.withDefaults()
	last, err := LastSeq(ctx, cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "scan journal")
	}
	w, err := NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return &Journal{w: w, seq: last, now: time.Now}, nil
}

// Record journals v, stamped with the event time at and the trace id.
func (j *Journal) Record(ctx context.Context, v any, at time.Time, trace uint64) (uint64, error) {
	typ, payload, err := codec.Encode(v)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.seq + 1
	h := schema.NewHeader(typ, seq, at.UnixNano(), j.now().UnixNano())
	h.Trace = trace
	if err := j.w.Append(ctx, h, payload); err != nil {
		return 0, errors.Wrap(err, "append "+typ.String())
	}
	j.seq = seq
	if j.observe != nil {
		j.observe(h)
	}
	return seq, nil
}

// UseClock replaces the wall clock that stamps receive times. Backtests pass the simulated clock.
func (j *Journal) UseClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

// OnRecord registers fn to see the header of every record written.
func (j *Journal) OnRecord(fn func(schema.EventHeader)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observe = fn
}

// Seq returns the sequence number of the last record written.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the underlying writer.
func (j *Journal) Close() error {
	return j.w.Close()
}
