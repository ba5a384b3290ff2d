package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

var (
	ErrQueueFull      = errors.New("journal queue full")
	ErrClosed         = errors.New("journal writer closed")
	ErrNotStarted     = errors.New("journal writer not started")
	ErrAlreadyStarted = errors.New("journal writer already started")
)

// Writer appends records to numbered segment files from a buffered queue.
// A writer never reopens an existing segment; it continues numbering after the highest one on disk.
type Writer struct {
	cfg   Config
	ch    chan request
	wg    sync.WaitGroup
	err   atomic.Value
	segID uint64

	started atomic.Bool
	closed  atomic.Bool
	mu      sync.RWMutex
}

type request struct {
	header  schema.EventHeader
	payload []byte
	done    chan error
}

type segment struct {
	file *os.File
	buf  *bufio.Writer
	size int64
}

// NewWriter creates a journal writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	files, err := segmentFiles(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	var last uint64
	if len(files) > 0 {
		last, _ = segmentNumber(filepath.Base(files[len(files)-1]), cfg.FilePrefix)
	}
	return &Writer{
		cfg:   cfg,
		ch:    make(chan request, cfg.QueueSize),
		segID: last,
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops accepting records, writes everything queued and syncs the open segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// TryAppend enqueues a record without blocking.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.check(payload); err != nil {
		return err
	}
	select {
	case w.ch <- request{header: versioned(header), payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Append enqueues a record and waits until it is written (and synced when SyncEveryRecord is set).
func (w *Writer) Append(ctx context.Context, header schema.EventHeader, payload []byte) error {
	done := make(chan error, 1)
	w.mu.RLock()
	if err := w.check(payload); err != nil {
		w.mu.RUnlock()
		return err
	}
	select {
	case w.ch <- request{header: versioned(header), payload: payload, done: done}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) check(payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.started.Load() {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return ErrPayloadTooLarge
	}
	return nil
}

func versioned(h schema.EventHeader) schema.EventHeader {
	if h.Version == 0 {
		h.Version = schema.SchemaVersion
	}
	return h
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg       *segment
		headerBuf = make([]byte, recordHeaderSize)
		flushC    <-chan time.Time
	)
	if w.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}
	defer func() {
		if err := closeSegment(seg); err != nil {
			w.setErr(err)
		}
	}()

	write := func(req request) bool {
		err := w.Err()
		if err == nil {
			err = w.write(&seg, headerBuf, req)
			if err != nil {
				w.setErr(err)
			}
		}
		if req.done != nil {
			req.done <- err
		}
		return err == nil
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req, ok := <-w.ch:
					if !ok || !write(req) {
						return
					}
				default:
					return
				}
			}
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if !write(req) {
				return
			}
		case <-flushC:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
			}
		}
	}
}

func (w *Writer) write(seg **segment, headerBuf []byte, req request) error {
	size := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if *seg == nil || (*seg).size+size > w.cfg.SegmentMaxBytes {
		if err := closeSegment(*seg); err != nil {
			return err
		}
		next, err := w.openSegment()
		if err != nil {
			return err
		}
		*seg = next
	}

	encodeHeader(headerBuf, req.header, len(req.payload))
	var sum [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], checksum(headerBuf, req.payload))

	s := *seg
	if _, err := s.buf.Write(headerBuf); err != nil {
		return err
	}
	if _, err := s.buf.Write(req.payload); err != nil {
		return err
	}
	if _, err := s.buf.Write(sum[:]); err != nil {
		return err
	}
	s.size += size

	if w.cfg.SyncEveryRecord {
		if err := s.buf.Flush(); err != nil {
			return err
		}
		return s.file.Sync()
	}
	return nil
}

func (w *Writer) openSegment() (*segment, error) {
	w.segID++
	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s-%08d.wal", w.cfg.FilePrefix, w.segID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal segment")
	}
	return &segment{file: file, buf: bufio.NewWriterSize(file, w.cfg.BufferSize)}, nil
}

func closeSegment(seg *segment) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *Writer) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	w.err.Store(err)
}
