package planwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qwdingyu/testflow/internal/testutil"
)

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "plan.yaml", "name: a\n")
	other := filepath.Join(dir, "other.yaml")

	w, err := New(path, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) { calls.Add(1) })
	}()

	// unrelated files are ignored
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("onChange fired %d times for an unrelated file", calls.Load())
	}

	for i := range 5 {
		content := []byte("name: edit\n" + string(rune('a'+i)) + "\n")
		if err := os.WriteFile(path, content, 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	testutil.Eventually(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange fired %d times, want 1 for one burst of writes", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope", "plan.yaml")); err == nil {
		t.Error("New() succeeded for a missing directory")
	}
}
