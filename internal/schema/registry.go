package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ExchangeID is the numeric identifier for a listing exchange.
type ExchangeID uint16

// SymbolID is the numeric identifier for a symbol. IDs follow registration order.
type SymbolID uint32

// Exchange describes a listing exchange.
type Exchange struct {
	ID   ExchangeID
	Name string
}

// Instrument describes a tradable equity.
type Instrument struct {
	ID         SymbolID
	ExchangeID ExchangeID
	Name       string
	TickSize   decimal.Decimal
}

var defaultTickSize = decimal.New(1, -2)

// Registry stores exchange and symbol mappings.
type Registry struct {
	exchanges      []Exchange
	instruments    []Instrument
	exchangeByName map[string]ExchangeID
	symbolByName   map[string]SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exchangeByName: make(map[string]ExchangeID),
		symbolByName:   make(map[string]SymbolID),
	}
}

// AddExchange registers a new exchange and returns its ID.
func (r *Registry) AddExchange(name string) (ExchangeID, error) {
	if name == "" {
		return 0, fmt.Errorf("exchange name is empty")
	}
	if id, ok := r.exchangeByName[name]; ok {
		return id, fmt.Errorf("exchange already exists: %s", name)
	}
	id := ExchangeID(len(r.exchanges) + 1)
	r.exchanges = append(r.exchanges, Exchange{ID: id, Name: name})
	r.exchangeByName[name] = id
	return id, nil
}

// AddSymbol registers a new symbol and returns its ID. A zero tick size defaults to one cent.
func (r *Registry) AddSymbol(name string, exchangeID ExchangeID, tickSize decimal.Decimal) (SymbolID, error) {
	if name == "" {
		return 0, fmt.Errorf("symbol name is empty")
	}
	if exchangeID == 0 {
		return 0, fmt.Errorf("exchange id is invalid")
	}
	if _, ok := r.Exchange(exchangeID); !ok {
		return 0, fmt.Errorf("exchange id not found: %d", exchangeID)
	}
	if id, ok := r.symbolByName[name]; ok {
		return id, fmt.Errorf("symbol already exists: %s", name)
	}
	if tickSize.Sign() <= 0 {
		tickSize = defaultTickSize
	}
	id := SymbolID(len(r.instruments) + 1)
	r.instruments = append(r.instruments, Instrument{
		ID:         id,
		ExchangeID: exchangeID,
		Name:       name,
		TickSize:   tickSize,
	})
	r.symbolByName[name] = id
	return id, nil
}

// Exchange returns the exchange by ID.
func (r *Registry) Exchange(id ExchangeID) (Exchange, bool) {
	if id == 0 || int(id) > len(r.exchanges) {
		return Exchange{}, false
	}
	return r.exchanges[id-1], true
}

// Instrument returns the instrument by ID.
func (r *Registry) Instrument(id SymbolID) (Instrument, bool) {
	if id == 0 || int(id) > len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// Lookup returns the instrument registered under name.
func (r *Registry) Lookup(name string) (Instrument, bool) {
	id, ok := r.symbolByName[name]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// Symbols returns every registered symbol name in registration order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst.Name)
	}
	return out
}

// SymbolCount returns the number of symbols in the registry.
func (r *Registry) SymbolCount() int {
	return len(r.instruments)
}

// ExchangeIDByName returns the exchange ID for a name.
func (r *Registry) ExchangeIDByName(name string) (ExchangeID, bool) {
	id, ok := r.exchangeByName[name]
	return id, ok
}

// SymbolIDByName returns the symbol ID for a name.
func (r *Registry) SymbolIDByName(name string) (SymbolID, bool) {
	id, ok := r.symbolByName[name]
	return id, ok
}
