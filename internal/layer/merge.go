package layer

import (
	"errors"
	"fmt"
	"iter"
)

// ErrUnsorted means a merge input was not in ascending order. It signals a
// broken layer, not a user error.
var ErrUnsorted = errors.New("merge input out of order")

// mergeSorted merges two ascending sequences into one. When both hold an
// element comparing equal, the one from newer wins and the older one is
// dropped.
func mergeSorted[T any](newer, older iter.Seq2[T, error], compare func(a, b T) int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		nextNew, stopNew := iter.Pull2(newer)
		defer stopNew()
		nextOld, stopOld := iter.Pull2(older)
		defer stopOld()

		var last T
		emitted := false
		emit := func(v T) bool {
			if emitted && compare(last, v) >= 0 {
				var zero T
				yield(zero, fmt.Errorf("%w: %v after %v", ErrUnsorted, v, last))
				return false
			}
			last, emitted = v, true
			return yield(v, nil)
		}
		fail := func(err error) {
			var zero T
			yield(zero, err)
		}

		n, errN, okN := nextNew()
		o, errO, okO := nextOld()
		for okN || okO {
			if okN && errN != nil {
				fail(errN)
				return
			}
			if okO && errO != nil {
				fail(errO)
				return
			}

			switch {
			case !okO || (okN && compare(n, o) < 0):
				if !emit(n) {
					return
				}
				n, errN, okN = nextNew()
			case !okN || compare(n, o) > 0:
				if !emit(o) {
					return
				}
				o, errO, okO = nextOld()
			default:
				if !emit(n) {
					return
				}
				n, errN, okN = nextNew()
				o, errO, okO = nextOld()
			}
		}
	}
}

// filter drops the elements for which keep returns false. Errors pass
// through.
func filter[T any](seq iter.Seq2[T, error], keep func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err == nil && !keep(v) {
				continue
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// fromSlice turns an in-memory sorted slice into a sequence.
func fromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range items {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// failed yields a single error.
func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}
