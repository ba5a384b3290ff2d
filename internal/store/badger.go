package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/yanun0323/errors"

	"tradecore/internal/codec"
	"tradecore/internal/risk"
	"tradecore/internal/state"
)

var (
	keyKillSwitch = []byte("killswitch")
	keyCheckpoint = []byte("checkpoint:latest")
	prefixHistory = "checkpoint:seq:"
)

// Badger stores the kill switch and checkpoints in an embedded key-value store.
// Every checkpoint is also kept under its journal sequence for audit.
type Badger struct {
	db       *badger.DB
	keep     int
	inMemory bool
}

// NewBadger opens the database at dir; an empty dir runs in memory.
func NewBadger(dir string, keep int) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger").With("dir", dir)
	}
	return &Badger{db: db, keep: keep, inMemory: dir == ""}, nil
}

func (b *Badger) SaveKillSwitch(_ context.Context, ks risk.KillSwitch) error {
	data, err := codec.Marshal(ks)
	if err != nil {
		return errors.Wrap(err, "encode kill switch")
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyKillSwitch, data)
	})
	if err != nil {
		return errors.Wrap(err, "save kill switch")
	}
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

func (b *Badger) LoadKillSwitch(context.Context) (risk.KillSwitch, error) {
	var ks risk.KillSwitch
	data, err := b.get(keyKillSwitch)
	if err != nil || data == nil {
		return ks, err
	}
	if err := codec.Unmarshal(data, &ks); err != nil {
		return ks, errors.Wrap(err, "decode kill switch")
	}
	return ks, nil
}

func (b *Badger) SaveCheckpoint(_ context.Context, cp state.Checkpoint) error {
	data, err := state.Encode(cp)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCheckpoint, data); err != nil {
			return err
		}
		return txn.Set(historyKey(cp.JournalSeq), data)
	})
	if err != nil {
		return errors.Wrap(err, "save checkpoint").With("seq", cp.JournalSeq)
	}
	return b.prune()
}

func (b *Badger) LoadCheckpoint(context.Context) (state.Checkpoint, bool, error) {
	data, err := b.get(keyCheckpoint)
	if err != nil || data == nil {
		return state.Checkpoint{}, false, err
	}
	cp, err := state.Decode(data)
	if err != nil {
		return state.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// History returns the journal sequences of the retained checkpoints in ascending order.
func (b *Badger) History() ([]uint64, error) {
	var out []uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixHistory)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()), prefixHistory+"%020d", &seq); err != nil {
				return err
			}
			out = append(out, seq)
		}
		return nil
	})
	return out, err
}

func (b *Badger) prune() error {
	if b.keep <= 0 {
		return nil
	}
	seqs, err := b.History()
	if err != nil || len(seqs) <= b.keep {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs[:len(seqs)-b.keep] {
			if err := txn.Delete(historyKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "badger get").With("key", string(key))
	}
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func historyKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixHistory, seq))
}
