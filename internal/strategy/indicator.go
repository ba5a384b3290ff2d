package strategy

import "github.com/shopspring/decimal"

// window keeps the most recent n values.
type window struct {
	size   int
	values []decimal.Decimal
}

func newWindow(size int) *window {
	return &window{size: size, values: make([]decimal.Decimal, 0, size)}
}

func (w *window) push(v decimal.Decimal) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
}

func (w *window) full() bool {
	return len(w.values) == w.size
}

func (w *window) len() int {
	return len(w.values)
}

// mean of the last n values, or of all when fewer are held.
func (w *window) mean(n int) decimal.Decimal {
	if n > len(w.values) {
		n = len(w.values)
	}
	if n == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range w.values[len(w.values)-n:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
