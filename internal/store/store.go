package store

import (
	"context"
	"sync"

	"github.com/yanun0323/errors"

	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/pkg/conn"
)

var ErrUnknownDriver = errors.New("store: unknown driver")

// Store persists the kill switch and checkpoints. The kill switch is written separately
// from checkpoints so an engaged switch is durable before the next checkpoint.
type Store interface {
	risk.KillSwitchStore
	SaveCheckpoint(ctx context.Context, cp state.Checkpoint) error
	// LoadCheckpoint returns the latest checkpoint; ok is false when none was saved.
	LoadCheckpoint(ctx context.Context) (cp state.Checkpoint, ok bool, err error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Driver is one of memory, file, badger, postgres or sqlite.
	Driver string `mapstructure:"driver"`
	// Path is the directory for file and badger, or the database file for sqlite.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
	// Keep bounds how many checkpoints a database backend retains; zero keeps all.
	Keep int `mapstructure:"keep"`
}

// Memory keeps everything in process memory.
type Memory struct {
	risk.MemoryKillSwitchStore

	mu sync.Mutex
	cp *state.Checkpoint
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp state.Checkpoint) error {
	data, err := state.Encode(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	// Keep an encoded copy so later mutation by the caller cannot leak in.
	decoded, err := state.Decode(data)
	if err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}
	m.mu.Lock()
	m.cp = &decoded
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadCheckpoint(context.Context) (state.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return state.Checkpoint{}, false, nil
	}
	return *m.cp, true, nil
}

func (m *Memory) Close() error {
	return nil
}

// Open builds the backend named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		s, err = NewFile(cfg.Path)
	case "badger":
		s, err = NewBadger(cfg.Path, cfg.Keep)
	case conn.DriverSQLite:
		s, err = NewGorm(conn.Option{Driver: conn.DriverSQLite, Path: cfg.Path}, cfg.Keep)
	case conn.DriverPostgres:
		s, err = NewGorm(conn.Option{Driver: conn.DriverPostgres, ConnString: cfg.DSN}, cfg.Keep)
	default:
		return nil, errors.Wrap(ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
