package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradecore/internal/codec"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/og"
	"tradecore/internal/risk"
)

// CheckpointVersion is bumped on incompatible layout changes.
const CheckpointVersion = 1

var ErrCheckpointVersion = errors.New("unsupported checkpoint version")

// Checkpoint is everything needed to resume trading: the ledger, the working orders and the kill switch.
// JournalSeq is the last journal record already reflected in the checkpoint.
type Checkpoint struct {
	Version    int             `json:"version"`
	TakenAt    time.Time       `json:"takenAt"`
	JournalSeq uint64          `json:"journalSeq"`
	Session    string          `json:"session"`
	KillSwitch risk.KillSwitch `json:"killSwitch"`
	Ledger     ledger.State    `json:"ledger"`
	Orders     og.Book         `json:"orders"`
}

// Encode serializes a checkpoint.
func Encode(cp Checkpoint) ([]byte, error) {
	if cp.Version == 0 {
		cp.Version = CheckpointVersion
	}
	return codec.Marshal(cp)
}

// Decode parses a checkpoint and rejects unknown versions.
func Decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := codec.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, errors.Wrap(err, "decode checkpoint")
	}
	if cp.Version != CheckpointVersion {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrCheckpointVersion, cp.Version)
	}
	return cp, nil
}

// WriteFile stores cp at path.
func WriteFile(path string, cp Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}

// WriteAtomic replaces path with data so a crash leaves either the old or the new content.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile loads a checkpoint written by WriteFile.
func ReadFile(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, err
	}
	return Decode(data)
}

// CompareLedgers reports the first difference between two ledger states.
func CompareLedgers(expected, actual ledger.State) error {
	if !expected.Cash.Equal(actual.Cash) {
		return fmt.Errorf("cash mismatch: expected=%s actual=%s", expected.Cash, actual.Cash)
	}
	if !expected.Realized.Equal(actual.Realized) {
		return fmt.Errorf("realized pnl mismatch: expected=%s actual=%s", expected.Realized, actual.Realized)
	}
	if !expected.Fees.Equal(actual.Fees) {
		return fmt.Errorf("fees mismatch: expected=%s actual=%s", expected.Fees, actual.Fees)
	}
	if len(expected.Books) != len(actual.Books) {
		return fmt.Errorf("position count mismatch: expected=%d actual=%d", len(expected.Books), len(actual.Books))
	}
	for i, want := range expected.Books {
		got := actual.Books[i]
		if want.Symbol != got.Symbol {
			return fmt.Errorf("position symbol mismatch: expected=%s actual=%s", want.Symbol, got.Symbol)
		}
		if len(want.Lots) != len(got.Lots) {
			return fmt.Errorf("%s lot count mismatch: expected=%d actual=%d", want.Symbol, len(want.Lots), len(got.Lots))
		}
		for k := range want.Lots {
			if want.Lots[k].Quantity != got.Lots[k].Quantity || !want.Lots[k].Price.Equal(got.Lots[k].Price) {
				return fmt.Errorf("%s lot %d mismatch: expected=%d@%s actual=%d@%s", want.Symbol, k,
					want.Lots[k].Quantity, want.Lots[k].Price, got.Lots[k].Quantity, got.Lots[k].Price)
			}
		}
	}
	if len(expected.AppliedFills) != len(actual.AppliedFills) {
		return fmt.Errorf("applied fill count mismatch: expected=%d actual=%d", len(expected.AppliedFills), len(actual.AppliedFills))
	}
	if len(expected.Trades) != len(actual.Trades) {
		return fmt.Errorf("closed trade count mismatch: expected=%d actual=%d", len(expected.Trades), len(actual.Trades))
	}
	return nil
}
