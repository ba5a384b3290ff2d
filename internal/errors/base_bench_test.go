package errors

import (
	"errors"
	"fmt"
	"testing"
)

var (
	errWrapped = errors.New("wrapped error")
	errTimeout = errors.New("broker request timed out")
)

func BenchmarkWrap(b *testing.B) {
	b.Run("wrap nil", func(b *testing.B) {
		for b.Loop() {
			_ = Wrap(nil, "submit order")
		}
	})

	b.Run("wrap error", func(b *testing.B) {
		for b.Loop() {
			err := Wrap(errTimeout, "submit order")
			_ = err.Error()
		}
	})

	b.Run("std wrap", func(b *testing.B) {
		for b.Loop() {
			err := fmt.Errorf("submit order: %w", errTimeout)
			_ = err.Error()
		}
	})
}

func BenchmarkKind(b *testing.B) {
	rejected := Newf(KindRiskRejection, "max positions reached: %d open", 10)
	chain := Wrap(WrapKind(errTimeout, KindSubmissionFailed, "order c1 after 3 attempts"), "admit intent")

	b.Run("newf", func(b *testing.B) {
		for b.Loop() {
			err := Newf(KindReconciliationMismatch, "broker filled %d, local %d", 50, 30)
			_ = err.Error()
		}
	})

	b.Run("wrap kind", func(b *testing.B) {
		for b.Loop() {
			err := WrapKind(errTimeout, KindSubmissionFailed, "order c1 after 3 attempts")
			_ = err.Error()
		}
	})

	b.Run("kind of", func(b *testing.B) {
		for b.Loop() {
			_ = KindOf(chain)
		}
	})

	b.Run("is fatal", func(b *testing.B) {
		for b.Loop() {
			_ = IsFatal(rejected)
			_ = IsFatal(chain)
		}
	})
}
