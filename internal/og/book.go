package og

import (
	"maps"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// Book is the persisted part of the manager: working orders and the companions still attached to them.
type Book struct {
	Orders    []Order                          `json:"orders"`
	Templates map[string][]schema.OrderRequest `json:"templates"`
	Groups    map[string]Group                 `json:"groups"`
}

// Export captures the working orders for a checkpoint.
func (m *Manager) Export() Book {
	b := Book{
		Orders:    m.OpenOrders(),
		Templates: make(map[string][]schema.OrderRequest, len(m.templates)),
		Groups:    make(map[string]Group, len(m.groups)),
	}
	for id, tmpls := range m.templates {
		b.Templates[id] = append([]schema.OrderRequest(nil), tmpls...)
	}
	for id, g := range m.groups {
		b.Groups[id] = Group{Symbol: g.Symbol, Members: append([]string(nil), g.Members...)}
	}
	return b
}

// Restore loads a checkpointed book into an empty manager. Reconcile afterwards to catch up with the broker.
func (m *Manager) Restore(b Book) error {
	if m.sm.Len() > 0 || len(m.archive) > 0 {
		return errors.New("restore into a manager that already tracks orders")
	}
	for _, o := range b.Orders {
		if o.Terminal() {
			continue
		}
		restored, err := m.sm.Adopt(o)
		if err != nil {
			return errors.Wrap(err, "restore order "+o.ClientOrderID())
		}
		if restored.BrokerOrderID != "" {
			m.byBroker[restored.BrokerOrderID] = restored.ClientOrderID()
		}
		for _, f := range o.Fills {
			m.seenFills[f.FillID] = struct{}{}
		}
	}
	maps.Copy(m.templates, b.Templates)
	for id, g := range b.Groups {
		m.groups[id] = &Group{Symbol: g.Symbol, Members: append([]string(nil), g.Members...)}
	}
	return nil
}
