package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
	"tradecore/pkg/backoff"
)

// PlaybackConfig controls journal playback.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed paces records by their event timestamps; 1 is real time, 0 disables pacing.
	Speed float64
	// AfterSeq skips every record with Seq <= AfterSeq.
	AfterSeq        uint64
	DisableChecksum bool
	MaxPayloadSize  int
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the config is usable.
func (c PlaybackConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid playback config: dir is empty")
	}
	if c.Speed < 0 {
		return fmt.Errorf("invalid playback config: speed must be >= 0")
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid playback config: max payload size must be >= 0")
	}
	return nil
}

// Playback replays journal records in sequence order.
type Playback struct {
	cfg     PlaybackConfig
	sleeper backoff.Sleeper
}

// NewPlayback validates the config and creates a playback.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, sleeper: backoff.TimerSleeper{}}, nil
}

// WithSleeper swaps the pacing implementation.
func (p *Playback) WithSleeper(s backoff.Sleeper) *Playback {
	if s != nil {
		p.sleeper = s
	}
	return p
}

// Run calls handler for every record. A torn record at the end of a segment is
// logged and treated as the end of that segment; any other corruption stops playback.
func (p *Playback) Run(ctx context.Context, handler func(Entry) error) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	files, err := segmentFiles(p.cfg.Dir, p.cfg.FilePrefix)
	if err != nil {
		return err
	}
	var lastSeq uint64
	var prevTS int64
	for _, path := range files {
		if err := p.playFile(ctx, path, handler, &lastSeq, &prevTS); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) playFile(ctx context.Context, path string, handler func(Entry) error, lastSeq *uint64, prevTS *int64) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open segment")
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := reader.Next()
		switch {
		case err == io.EOF:
			return nil
		case errors.Is(err, ErrTornRecord):
			logs.Warnf("journal %s ends with a torn record, ignoring the tail", filepath.Base(path))
			return nil
		case err != nil:
			return fmt.Errorf("read %s: %w", path, err)
		}

		if entry.Header.Seq <= *lastSeq {
			return fmt.Errorf("read %s: %w: %d after %d", path, ErrNonMonotonicSequence, entry.Header.Seq, *lastSeq)
		}
		*lastSeq = entry.Header.Seq
		if entry.Header.Seq <= p.cfg.AfterSeq {
			continue
		}
		if err := p.pace(ctx, entry.Header.TsEvent, prevTS); err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, current int64, prevTS *int64) error {
	if p.cfg.Speed <= 0 || current <= 0 {
		return nil
	}
	if *prevTS > 0 {
		if delta := current - *prevTS; delta > 0 {
			if err := p.sleeper.Sleep(ctx, time.Duration(float64(delta)/p.cfg.Speed)); err != nil {
				return err
			}
		}
	}
	*prevTS = current
	return nil
}

// LastSeq returns the highest sequence number stored under dir, zero for an empty journal.
func LastSeq(ctx context.Context, dir, prefix string) (uint64, error) {
	pb, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: prefix})
	if err != nil {
		return 0, err
	}
	var last uint64
	err = pb.Run(ctx, func(e Entry) error {
		last = e.Header.Seq
		return nil
	})
	return last, err
}

func segmentFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list journal dir")
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := segmentNumber(entry.Name(), prefix); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func segmentNumber(name, prefix string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".wal")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}
