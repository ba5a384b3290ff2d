package mdg

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// MemoryFeed serves preloaded records as both history and a live push.
type MemoryFeed struct {
	mu      sync.RWMutex
	records map[string][]RawRecord
	order   []RawRecord
}

func NewMemoryFeed(records ...RawRecord) *MemoryFeed {
	f := &MemoryFeed{records: make(map[string][]RawRecord)}
	f.Add(records...)
	return f
}

// Add appends records; live subscribers see them in insertion order.
func (f *MemoryFeed) Add(records ...RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.records[rec.Symbol] = append(f.records[rec.Symbol], rec)
		f.order = append(f.order, rec)
	}
}

func (f *MemoryFeed) FetchHistorical(ctx context.Context, symbol string, from, to time.Time, _ time.Duration) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []RawRecord
	for _, rec := range f.records[symbol] {
		if inWindow(rec.Time, from, to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe replays every record of the requested symbols in insertion order, then closes the channel.
func (f *MemoryFeed) Subscribe(ctx context.Context, symbols []string) (<-chan RawRecord, error) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	f.mu.RLock()
	recs := append([]RawRecord(nil), f.order...)
	f.mu.RUnlock()

	ch := make(chan RawRecord)
	go func() {
		defer close(ch)
		for _, rec := range recs {
			if _, ok := want[rec.Symbol]; !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- rec:
			}
		}
	}()
	return ch, nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// CSVFeed reads daily or intraday bars from <dir>/<SYMBOL>.csv with the header
// time,open,high,low,close,volume. Time is RFC 3339 or a 2006-01-02 date.
type CSVFeed struct {
	Dir string
}

func (f CSVFeed) FetchHistorical(ctx context.Context, symbol string, from, to time.Time, _ time.Duration) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(f.Dir, symbol+".csv")
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open "+path)
	}
	defer file.Close()

	recs, err := ReadCSV(symbol, file)
	if err != nil {
		return nil, errors.Wrap(err, "read "+path)
	}
	out := recs[:0]
	for _, rec := range recs {
		if inWindow(rec.Time, from, to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ReadCSV parses bar rows for symbol. Rows are returned in file order.
func ReadCSV(symbol string, r io.Reader) ([]RawRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"time", "open", "high", "low", "close", "volume"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	out := make([]RawRecord, 0, len(rows)-1)
	for line, row := range rows[1:] {
		rec := RawRecord{Symbol: symbol, Kind: schema.MarketDataBar}
		if rec.Time, err = parseTime(row[col["time"]]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line+2, err)
		}
		for name, dst := range map[string]*decimal.Decimal{"open": &rec.Open, "high": &rec.High, "low": &rec.Low, "close": &rec.Close} {
			if *dst, err = decimal.NewFromString(row[col[name]]); err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line+2, name, err)
			}
		}
		vol, perr := strconv.ParseFloat(row[col["volume"]], 64)
		if perr != nil {
			return nil, fmt.Errorf("line %d volume: %w", line+2, perr)
		}
		rec.Volume = int64(vol)
		out = append(out, rec)
	}
	return out, nil
}

// WriteCSV writes bar records in the layout ReadCSV accepts.
func WriteCSV(w io.Writer, records []RawRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Kind != schema.MarketDataBar {
			continue
		}
		row := []string{
			rec.Time.UTC().Format(time.RFC3339),
			rec.Open.String(),
			rec.High.String(),
			rec.Low.String(),
			rec.Close.String(),
			strconv.FormatInt(rec.Volume, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// CSVSymbols lists the symbols that have a file in dir, sorted.
func CSVSymbols(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), ".csv"))
	}
	sort.Strings(out)
	return out, nil
}
