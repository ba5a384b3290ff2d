package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/yanun0323/errors"

	"tradecore/internal/codec"
	"tradecore/internal/risk"
	"tradecore/internal/state"
)

const (
	killSwitchFile = "killswitch.json"
	checkpointFile = "checkpoint.json"
)

// File keeps the kill switch and the latest checkpoint as JSON files in one directory.
type File struct {
	mu  sync.Mutex
	dir string
}

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("file store: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store dir").With("dir", dir)
	}
	return &File{dir: dir}, nil
}

func (f *File) SaveKillSwitch(_ context.Context, ks risk.KillSwitch) error {
	data, err := codec.Marshal(ks)
	if err != nil {
		return errors.Wrap(err, "encode kill switch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, killSwitchFile)
	if err := state.WriteAtomic(path, data); err != nil {
		return errors.Wrap(err, "write kill switch").With("path", path)
	}
	return nil
}

func (f *File) LoadKillSwitch(context.Context) (risk.KillSwitch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, killSwitchFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return risk.KillSwitch{}, nil
	}
	if err != nil {
		return risk.KillSwitch{}, errors.Wrap(err, "read kill switch").With("path", path)
	}
	var ks risk.KillSwitch
	if err := codec.Unmarshal(data, &ks); err != nil {
		return risk.KillSwitch{}, errors.Wrap(err, "decode kill switch").With("path", path)
	}
	return ks, nil
}

func (f *File) SaveCheckpoint(_ context.Context, cp state.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, checkpointFile)
	if err := state.WriteFile(path, cp); err != nil {
		return errors.Wrap(err, "write checkpoint").With("path", path)
	}
	return nil
}

func (f *File) LoadCheckpoint(context.Context) (state.Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, checkpointFile)
	cp, err := state.ReadFile(path)
	if os.IsNotExist(err) {
		return state.Checkpoint{}, false, nil
	}
	if err != nil {
		return state.Checkpoint{}, false, errors.Wrap(err, "read checkpoint").With("path", path)
	}
	return cp, true, nil
}

func (f *File) Close() error {
	return nil
}
