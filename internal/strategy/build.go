package strategy

import "fmt"

const (
	KindMACrossover = "ma_crossover"
	KindORB         = "orb"
)

// Spec configures one strategy instance. Only the section matching Kind is read.
type Spec struct {
	Kind        string            `json:"kind" mapstructure:"kind"`
	ID          string            `json:"id" mapstructure:"id"`
	Symbols     []string          `json:"symbols" mapstructure:"symbols"`
	MACrossover MACrossoverConfig `json:"maCrossover" mapstructure:"ma_crossover"`
	ORB         ORBConfig         `json:"orb" mapstructure:"orb"`
}

// Build creates a fresh strategy instance with empty indicator state.
func Build(spec Spec, session Session) (Strategy, error) {
	if spec.ID == "" {
		spec.ID = spec.Kind
	}
	if len(spec.Symbols) == 0 {
		return nil, fmt.Errorf("strategy %s has no symbols", spec.ID)
	}
	switch spec.Kind {
	case KindMACrossover:
		return NewMACrossover(spec.ID, spec.Symbols, spec.MACrossover)
	case KindORB:
		return NewOpeningRangeBreakout(spec.ID, spec.Symbols, session, spec.ORB)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", spec.Kind)
	}
}

// BuildGenerator creates a generator holding one fresh instance per spec, in spec order.
func BuildGenerator(specs []Spec, session Session, parallel int) (*Generator, error) {
	g := NewGenerator(parallel)
	for _, spec := range specs {
		s, err := Build(spec, session)
		if err != nil {
			return nil, err
		}
		if err := g.Register(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}
