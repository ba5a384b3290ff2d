package risk

import (
	"context"
	"sync"
	"time"
)

// KillSwitch is the persisted halt flag. Once engaged it only clears through an explicit reset.
type KillSwitch struct {
	Engaged bool      `json:"engaged"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	By      string    `json:"by"`
}

// KillSwitchStore is the durable write path of the kill switch.
// LoadKillSwitch returns the zero value when nothing was ever stored.
type KillSwitchStore interface {
	SaveKillSwitch(ctx context.Context, ks KillSwitch) error
	LoadKillSwitch(ctx context.Context) (KillSwitch, error)
}

// MemoryKillSwitchStore keeps the flag in process memory.
type MemoryKillSwitchStore struct {
	mu sync.Mutex
	ks KillSwitch
}

func (m *MemoryKillSwitchStore) SaveKillSwitch(_ context.Context, ks KillSwitch) error {
	m.mu.Lock()
	m.ks = ks
	m.mu.Unlock()
	return nil
}

func (m *MemoryKillSwitchStore) LoadKillSwitch(context.Context) (KillSwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ks, nil
}
