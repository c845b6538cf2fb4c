package hyperloglog

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMerge(t *testing.T) {
	t.Run("disjoint sparse estimators", func(t *testing.T) {
		a, b := mustNew(t, 10), mustNew(t, 10)
		a.AddString("a")
		a.AddString("b")
		b.AddString("c")
		b.AddString("d")

		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if got := a.Count(); got < 3 {
			t.Errorf("merged Count() = %d, want >= 3", got)
		}
		if got := b.Count(); got != 2 {
			t.Errorf("source Count() = %d after merge, want 2", got)
		}
	})

	// Every combination of modes must give the same state as adding all
	// elements to a single estimator.
	sizes := map[string]int{"sparse": 200, "dense": 1500}
	for aName, aN := range sizes {
		for bName, bN := range sizes {
			t.Run(aName+" into "+bName, func(t *testing.T) {
				dst, src, all := mustNew(t, 10), mustNew(t, 10), mustNew(t, 10)
				addDistinct(dst, "left", bN)
				addDistinct(src, "right", aN)
				addDistinct(all, "left", bN)
				addDistinct(all, "right", aN)

				if err := dst.Merge(src); err != nil {
					t.Fatalf("Merge: %v", err)
				}

				if dst.Mode() != all.Mode() {
					t.Errorf("mode %v, want %v", dst.Mode(), all.Mode())
				}
				if dst.Count() != all.Count() {
					t.Errorf("Count() = %d, want %d", dst.Count(), all.Count())
				}

				got, _ := dst.MarshalBinary()
				want, _ := all.MarshalBinary()
				if string(got) != string(want) {
					t.Error("merged state differs from direct insertion")
				}
			})
		}
	}

	t.Run("sparse union crossing the threshold promotes", func(t *testing.T) {
		a, b := mustNew(t, 10), mustNew(t, 10)
		addDistinct(a, "a", 500)
		addDistinct(b, "b", 500)
		if a.Mode() != Sparse || b.Mode() != Sparse {
			t.Fatal("both inputs should be sparse")
		}

		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if a.Mode() != Dense {
			t.Errorf("union of 1000 at p=10 should be dense, got %v", a.Mode())
		}
	})

	t.Run("overlapping elements are not double counted", func(t *testing.T) {
		a, b := mustNew(t, 14), mustNew(t, 14)
		addDistinct(a, "shared", 800)
		addDistinct(b, "shared", 800)

		before := a.Count()
		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if a.Count() != before {
			t.Errorf("Count() changed from %d to %d merging identical sets", before, a.Count())
		}
	})

	t.Run("self merge is a no-op", func(t *testing.T) {
		h := mustNew(t, 10, WithLocking())
		addDistinct(h, "self", 100)
		before, _ := h.MarshalBinary()

		if err := h.Merge(h); err != nil {
			t.Fatalf("Merge(self): %v", err)
		}

		after, _ := h.MarshalBinary()
		if string(before) != string(after) {
			t.Error("self merge changed the state")
		}
	})

	t.Run("nil is a no-op", func(t *testing.T) {
		h := mustNew(t, 10)
		if err := h.Merge(nil); err != nil {
			t.Errorf("Merge(nil) = %v", err)
		}
	})

	t.Run("incompatible precision leaves target unchanged", func(t *testing.T) {
		a, b := mustNew(t, 10), mustNew(t, 12)
		addDistinct(a, "a", 50)
		addDistinct(b, "b", 50)
		before, _ := a.MarshalBinary()

		err := a.Merge(b)
		if !errors.Is(err, ErrIncompatiblePrecision) {
			t.Fatalf("Merge error = %v, want ErrIncompatiblePrecision", err)
		}

		after, _ := a.MarshalBinary()
		if string(before) != string(after) {
			t.Error("failed merge mutated the target")
		}
	})

	t.Run("locking and non-locking estimators mix", func(t *testing.T) {
		a := mustNew(t, 10, WithLocking())
		b := mustNew(t, 10)
		addDistinct(b, "mixed", 10)
		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if a.SparseLen() != 10 {
			t.Errorf("SparseLen() = %d, want 10", a.SparseLen())
		}
	})
}

func TestMergeDenseMax(t *testing.T) {
	dst := []byte{0, 1, 5, 3, 0, 0, 9, 2, 1, 1, 1, 1, 1, 1, 1, 1}
	src := []byte{1, 1, 4, 7, 0, 2, 8, 2, 1, 1, 1, 1, 1, 1, 1, 3}
	want := []byte{1, 1, 5, 7, 0, 2, 9, 2, 1, 1, 1, 1, 1, 1, 1, 3}

	if !mergeDense(dst, src) {
		t.Error("mergeDense should report a change")
	}
	if string(dst) != string(want) {
		t.Errorf("mergeDense = %v, want %v", dst, want)
	}
	if mergeDense(dst, src) {
		t.Error("merging the same source twice should report no change")
	}
}

// TestMergeReciprocalNoDeadlock runs a.Merge(b) and b.Merge(a) concurrently.
// Both calls lock the two estimators in instance-id order, so they cannot
// wait on each other.
func TestMergeReciprocalNoDeadlock(t *testing.T) {
	a := mustNew(t, 12, WithLocking())
	b := mustNew(t, 12, WithLocking())
	addDistinct(a, "a", 1000)
	addDistinct(b, "b", 5000)

	done := make(chan struct{})
	go func() {
		defer close(done)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					_ = a.Merge(b)
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					_ = b.Merge(a)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("reciprocal merges deadlocked")
	}

	// After merging both ways the two estimators hold the same union.
	if a.Count() != b.Count() {
		t.Errorf("counts diverged: %d vs %d", a.Count(), b.Count())
	}
}

func TestUnion(t *testing.T) {
	var hlls []*HLL
	all := mustNew(t, 11)
	for i := 0; i < 4; i++ {
		h := mustNew(t, 11)
		addDistinct(h, fmt.Sprintf("part%d", i), 400)
		addDistinct(all, fmt.Sprintf("part%d", i), 400)
		hlls = append(hlls, h)
	}
	before := hlls[0].Count()

	u, err := Union(hlls...)
	if err != nil {
		t.Fatalf("Union: %v", err)
	}
	if u.Count() != all.Count() {
		t.Errorf("Union Count() = %d, want %d", u.Count(), all.Count())
	}
	if hlls[0].Count() != before {
		t.Error("Union modified its first argument")
	}

	if u, err := Union(); u != nil || err != nil {
		t.Errorf("Union() = (%v, %v), want (nil, nil)", u, err)
	}

	if _, err := Union(mustNew(t, 11), mustNew(t, 12)); !errors.Is(err, ErrIncompatiblePrecision) {
		t.Errorf("Union of mixed precisions error = %v", err)
	}

	t.Run("nil entries are skipped", func(t *testing.T) {
		u, err := Union(nil, hlls[0], nil, hlls[1])
		if err != nil {
			t.Fatalf("Union: %v", err)
		}
		want, _ := Union(hlls[0], hlls[1])
		if u.Count() != want.Count() {
			t.Errorf("Count() = %d, want %d", u.Count(), want.Count())
		}

		if u, err := Union(nil, nil); u != nil || err != nil {
			t.Errorf("Union(nil, nil) = (%v, %v), want (nil, nil)", u, err)
		}
	})
}
