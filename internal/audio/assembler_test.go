package audio

import (
	"math/rand"
	"testing"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 1e6
	}
	return out
}

func TestNewAssemblerInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := NewAssembler(size); err == nil {
			t.Errorf("Expected error for window size %d", size)
		}
	}
}

func TestAssemblerSingleWindow(t *testing.T) {
	a, err := NewAssembler(16000)
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}

	windows := a.Process(make([]float32, 16000))
	if len(windows) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(windows))
	}
	if len(windows[0]) != 16000 {
		t.Errorf("Expected window of 16000 samples, got %d", len(windows[0]))
	}
	if a.Pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", a.Pending())
	}
}

func TestAssemblerRetainsRemainder(t *testing.T) {
	a, _ := NewAssembler(16000)

	first := a.Process(ramp(0, 24000))
	if len(first) != 1 {
		t.Fatalf("Expected 1 window from 24000 samples, got %d", len(first))
	}
	if a.Pending() != 8000 {
		t.Fatalf("Expected 8000 pending samples, got %d", a.Pending())
	}
	if first[0][0] != 0 || first[0][15999] != float32(15999)/1e6 {
		t.Error("First window does not hold the first 16000 samples")
	}

	second := a.Process(ramp(24000, 8000))
	if len(second) != 1 {
		t.Fatalf("Expected a second window after 8000 more samples, got %d", len(second))
	}
	if second[0][0] != float32(16000)/1e6 {
		t.Errorf("Second window starts at %v, want sample 16000", second[0][0])
	}
	if second[0][15999] != float32(31999)/1e6 {
		t.Errorf("Second window ends at %v, want sample 31999", second[0][15999])
	}
	if a.Pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", a.Pending())
	}
}

func TestAssemblerBurstProducesOrderedWindows(t *testing.T) {
	a, _ := NewAssembler(100)

	windows := a.Process(ramp(0, 350))
	if len(windows) != 3 {
		t.Fatalf("Expected 3 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if w[0] != float32(i*100)/1e6 {
			t.Errorf("Window %d starts at %v, want sample %d", i, w[0], i*100)
		}
	}
	if a.Pending() != 50 {
		t.Errorf("Expected 50 pending samples, got %d", a.Pending())
	}
}

func TestAssemblerEmptyPush(t *testing.T) {
	a, _ := NewAssembler(10)

	if windows := a.Process(nil); windows != nil {
		t.Errorf("Expected no windows from empty push, got %d", len(windows))
	}
	a.Push([]float32{})

	stats := a.Stats()
	if stats.PushedSamples != 0 || stats.PendingSamples != 0 {
		t.Errorf("Empty pushes changed state: %+v", stats)
	}
}

func TestAssemblerWindowsAreIndependentCopies(t *testing.T) {
	a, _ := NewAssembler(4)

	windows := a.Process([]float32{1, 2, 3, 4, 5})
	windows[0][0] = 99

	next := a.Process([]float32{6, 7, 8})
	if len(next) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(next))
	}
	if next[0][0] != 5 {
		t.Errorf("Expected remainder sample 5 at window start, got %v", next[0][0])
	}
}

func TestAssemblerResetDiscardsPartial(t *testing.T) {
	a, _ := NewAssembler(10)
	a.Push(ramp(0, 7))

	if discarded := a.Reset(); discarded != 7 {
		t.Errorf("Expected 7 discarded samples, got %d", discarded)
	}
	if a.Pending() != 0 {
		t.Errorf("Expected empty buffer after reset, got %d", a.Pending())
	}
	if windows := a.Drain(); windows != nil {
		t.Error("Reset must never produce a partial window")
	}

	stats := a.Stats()
	if stats.Resets != 1 || stats.DiscardedTail != 7 {
		t.Errorf("Unexpected reset stats: %+v", stats)
	}
}

func TestAssemblerConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a, _ := NewAssembler(1600)

	var pushed, windowed int
	for i := 0; i < 500; i++ {
		n := rng.Intn(5000)
		windows := a.Process(make([]float32, n))
		pushed += n
		for _, w := range windows {
			if len(w) != 1600 {
				t.Fatalf("Window of wrong length %d", len(w))
			}
			windowed += len(w)
		}

		if windowed+a.Pending() != pushed {
			t.Fatalf("Iteration %d: consumed %d + pending %d != pushed %d",
				i, windowed, a.Pending(), pushed)
		}
		if a.Pending() >= 1600 {
			t.Fatalf("Iteration %d: %d samples pending after drain", i, a.Pending())
		}
	}

	stats := a.Stats()
	if stats.ConsumedSamples+uint64(stats.PendingSamples) != stats.PushedSamples {
		t.Errorf("Stats do not conserve samples: %+v", stats)
	}
}
