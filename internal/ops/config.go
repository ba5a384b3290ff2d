package ops

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradecore/internal/clock"
	"tradecore/internal/engine"
	"tradecore/internal/errors"
	"tradecore/internal/mdg"
	"tradecore/internal/og"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/sim"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
)

// EnvPrefix prefixes environment overrides: TRADECORE_RISK_MAX_OPEN_POSITIONS sets risk.max_open_positions.
const EnvPrefix = "TRADECORE"

const (
	DataSourceCSV       = "csv"
	DataSourceSynthetic = "synthetic"
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Registry   RegistryConfig       `mapstructure:"registry"`
	Session    clock.CalendarConfig `mapstructure:"session"`
	Risk       risk.Config          `mapstructure:"risk"`
	Order      og.Config            `mapstructure:"order"`
	Engine     engine.Config        `mapstructure:"engine"`
	Sim        sim.Config           `mapstructure:"sim"`
	Strategies []strategy.Spec      `mapstructure:"strategies"`
	Data       DataConfig           `mapstructure:"data"`
	Store      store.Config         `mapstructure:"store"`
	Journal    recorder.Config      `mapstructure:"journal"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
}

// RegistryConfig defines exchange and symbol mappings.
type RegistryConfig struct {
	Exchanges []string       `mapstructure:"exchanges"`
	Symbols   []SymbolConfig `mapstructure:"symbols"`
}

// SymbolConfig describes a symbol entry.
type SymbolConfig struct {
	Name     string          `mapstructure:"name"`
	Exchange string          `mapstructure:"exchange"`
	TickSize decimal.Decimal `mapstructure:"tick_size"`
}

// DataConfig selects where bars come from.
type DataConfig struct {
	// Source is csv (one <SYMBOL>.csv per symbol under Dir) or synthetic.
	Source      string              `mapstructure:"source"`
	Dir         string              `mapstructure:"dir"`
	Window      mdg.ReplayConfig    `mapstructure:"window"`
	Generator   mdg.GeneratorConfig `mapstructure:"generator"`
	Adjustments []mdg.Adjustment    `mapstructure:"adjustments"`
	// Pace spaces events when a historical window is streamed through the live loop.
	Pace time.Duration `mapstructure:"pace"`
}

type MetricsConfig struct {
	// Addr serves /metrics and the kill switch endpoints when set.
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	FileConfig
	Registry *schema.Registry
	Calendar *clock.Calendar
	Path     string
}

// Default returns a configuration that runs a synthetic backtest without any file.
func Default() FileConfig {
	from := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	return FileConfig{
		Registry: RegistryConfig{
			Exchanges: []string{"XNYS"},
			Symbols:   []SymbolConfig{{Name: "SPY", Exchange: "XNYS", TickSize: decimal.New(1, -2)}},
		},
		Session: clock.DefaultCalendarConfig(),
		Risk:    risk.DefaultConfig(),
		Order:   og.DefaultConfig(),
		Engine:  engine.DefaultConfig(),
		Sim:     sim.DefaultConfig(),
		Strategies: []strategy.Spec{{
			Kind:        strategy.KindMACrossover,
			ID:          "ma_crossover",
			Symbols:     []string{"SPY"},
			MACrossover: strategy.DefaultMACrossoverConfig(),
		}},
		Data: DataConfig{
			Source:    DataSourceSynthetic,
			Window:    mdg.ReplayConfig{From: from, To: from.AddDate(0, 0, 5), Resolution: time.Minute},
			Generator: mdg.GeneratorConfig{Seed: 1, Interval: time.Minute},
		},
		Store:   store.Config{Driver: "file", Path: "data/checkpoints"},
		Journal: recorder.DefaultConfig("data/journal"),
		Metrics: MetricsConfig{Namespace: "tradecore"},
	}
}

// envKeys are the settings that can be overridden from the environment without a config file.
var envKeys = []string{
	"store.driver", "store.path", "store.dsn", "store.keep",
	"journal.dir", "journal.sync_every_record",
	"metrics.addr", "metrics.namespace",
	"data.source", "data.dir", "data.pace",
	"sim.initial_cash", "sim.run_id",
	"risk.max_position_fraction", "risk.max_open_positions", "risk.max_allocation_fraction",
	"risk.daily_loss_fraction", "risk.weekly_loss_fraction", "risk.kill_switch_drawdown",
	"engine.checkpoint_every", "engine.cancel_on_shutdown",
	"session.timezone", "session.extended_hours",
}

// Load reads path (YAML, JSON or TOML by extension), applies TRADECORE_* overrides on top of
// Default and builds the registry. An empty path uses defaults and the environment only.
func Load(path string) (Loaded, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Loaded{}, errors.Wrap(err, "bind env "+key)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Loaded{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return Loaded{}, fmt.Errorf("decode config: %w", err)
	}
	loaded, err := Resolve(cfg)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Path = path
	return loaded, nil
}

// Resolve validates cfg and builds its registry and calendar.
func Resolve(cfg FileConfig) (Loaded, error) {
	if err := Validate(cfg); err != nil {
		return Loaded{}, err
	}
	reg, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	for _, spec := range cfg.Strategies {
		for _, sym := range spec.Symbols {
			if _, ok := reg.Lookup(sym); !ok {
				return Loaded{}, fmt.Errorf("strategy %s trades unknown symbol %s", spec.ID, sym)
			}
		}
	}
	cal, err := clock.NewCalendar(cfg.Session)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "session calendar")
	}
	return Loaded{FileConfig: cfg, Registry: reg, Calendar: cal}, nil
}

// Validate checks the settings that do not need the registry.
func Validate(cfg FileConfig) error {
	if err := cfg.Risk.Validate(); err != nil {
		return err
	}
	if !cfg.Sim.InitialCash.IsPositive() {
		return fmt.Errorf("invalid sim config: initial_cash must be > 0")
	}
	if cfg.Sim.Chaos != nil {
		if err := cfg.Sim.Chaos.Validate(); err != nil {
			return fmt.Errorf("invalid chaos config: %w", err)
		}
	}
	if cfg.Order.MaxSubmitAttempts <= 0 {
		return fmt.Errorf("invalid order config: max_submit_attempts must be > 0")
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("no strategies configured")
	}
	switch cfg.Data.Source {
	case DataSourceSynthetic:
	case DataSourceCSV:
		if cfg.Data.Dir == "" {
			return fmt.Errorf("invalid data config: dir is required for csv")
		}
	default:
		return fmt.Errorf("invalid data config: unknown source %q", cfg.Data.Source)
	}
	if !cfg.Data.Window.To.After(cfg.Data.Window.From) {
		return fmt.Errorf("invalid data config: window.to must be after window.from")
	}
	if !slices.Contains([]string{"memory", "file", "badger", "postgres", "sqlite"}, cfg.Store.Driver) {
		return fmt.Errorf("invalid store config: unknown driver %q", cfg.Store.Driver)
	}
	return nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, name := range cfg.Exchanges {
		if _, err := reg.AddExchange(name); err != nil {
			return nil, err
		}
	}
	for _, sym := range cfg.Symbols {
		exID, ok := reg.ExchangeIDByName(sym.Exchange)
		if !ok {
			return nil, fmt.Errorf("exchange not found: %s", sym.Exchange)
		}
		if sym.TickSize.IsNegative() {
			return nil, fmt.Errorf("invalid tick size for %s", sym.Name)
		}
		if _, err := reg.AddSymbol(sym.Name, exID, sym.TickSize); err != nil {
			return nil, err
		}
	}
	if reg.SymbolCount() == 0 {
		return nil, fmt.Errorf("registry has no symbols")
	}
	return reg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		timeInForceHook,
		timeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var (
	decimalType     = reflect.TypeFor[decimal.Decimal]()
	timeInForceType = reflect.TypeFor[schema.TimeInForce]()
	timeType        = reflect.TypeFor[time.Time]()
)

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

func timeInForceHook(from, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if to != timeInForceType || !ok {
		return data, nil
	}
	tif, ok := schema.ParseTimeInForce(s)
	if !ok {
		return nil, fmt.Errorf("unknown time in force %q", s)
	}
	return tif, nil
}

// timeHook accepts RFC 3339 timestamps and plain dates.
func timeHook(from, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if to != timeType || !ok {
		return data, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// Holder shares the current configuration between the reload watcher and its readers.
type Holder struct {
	v atomic.Value
}

func NewHolder(loaded Loaded) *Holder {
	var h Holder
	h.v.Store(loaded)
	return &h
}

func (h *Holder) Load() Loaded {
	return h.v.Load().(Loaded)
}

func (h *Holder) Update(loaded Loaded) {
	h.v.Store(loaded)
}
