package logging

import (
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates file and parent dirs", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", LogFileName)
		rw, err := NewRotatingWriter(path, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		defer rw.Close()

		if _, err := os.Stat(path); err != nil {
			t.Errorf("file not created: %v", err)
		}
		if rw.FilePath() != path {
			t.Errorf("FilePath() = %q, want %q", rw.FilePath(), path)
		}
	})

	t.Run("picks up existing size", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogFileName)
		if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
			t.Fatal(err)
		}
		rw, err := NewRotatingWriter(path, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		defer rw.Close()

		if got := rw.CurrentSize(); got != 10 {
			t.Errorf("CurrentSize() = %d, want 10", got)
		}
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	rw, err := NewRotatingWriter(path, RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	for i := 0; i < 3; i++ {
		if _, err := rw.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if got := rw.CurrentSize(); got != 15 {
		t.Errorf("CurrentSize() = %d, want 15", got)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "line\nline\nline\n" {
		t.Errorf("content = %q", content)
	}
}

// fill writes n chunks of size bytes.
func fill(t *testing.T, rw *RotatingWriter, n, size int) {
	t.Helper()
	chunk := []byte(strings.Repeat("x", size-1) + "\n")
	for i := 0; i < n; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
}

func TestRotatingWriterRotation(t *testing.T) {
	t.Run("rotates into numbered backups", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogFileName)
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
		if err != nil {
			t.Fatal(err)
		}
		defer rw.Close()

		// 3 chunks of 600KB: each write after the first crosses 1MB.
		fill(t, rw, 3, 600*1024)

		for _, name := range []string{path + ".1", path + ".2"} {
			if _, err := os.Stat(name); err != nil {
				t.Errorf("expected backup %s: %v", name, err)
			}
		}
		if rw.CurrentSize() != 600*1024 {
			t.Errorf("CurrentSize() = %d, want %d", rw.CurrentSize(), 600*1024)
		}
	})

	t.Run("drops backups beyond the limit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogFileName)
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1})
		if err != nil {
			t.Fatal(err)
		}
		defer rw.Close()

		fill(t, rw, 4, 600*1024)

		if _, err := os.Stat(path + ".1"); err != nil {
			t.Errorf("expected backup .1: %v", err)
		}
		if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
			t.Error("backup .2 should not exist")
		}
	})

	t.Run("zero backups truncates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogFileName)
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1})
		if err != nil {
			t.Fatal(err)
		}
		defer rw.Close()

		fill(t, rw, 2, 600*1024)

		if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
			t.Error("no backup expected with MaxBackups 0")
		}
		if rw.CurrentSize() != 600*1024 {
			t.Errorf("CurrentSize() = %d", rw.CurrentSize())
		}
	})

	t.Run("disabled when MaxSizeMB is zero", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogFileName)
		rw, err := NewRotatingWriter(path, RotationConfig{MaxBackups: 3})
		if err != nil {
			t.Fatal(err)
		}
		defer rw.Close()

		fill(t, rw, 3, 600*1024)
		if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
			t.Error("rotation happened with MaxSizeMB 0")
		}
	})
}

func TestRotatingWriterCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	fill(t, rw, 2, 600*1024)

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed after compression")
	}
	f, err := os.Open(path + ".1.gz")
	if err != nil {
		t.Fatalf("expected compressed backup: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if len(data) != 600*1024 {
		t.Errorf("decompressed %d bytes, want %d", len(data), 600*1024)
	}
}

func TestRotatingWriterConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	rw, err := NewRotatingWriter(path, RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = rw.Write([]byte("0123456789"))
			}
		}()
	}
	wg.Wait()

	if got := rw.CurrentSize(); got != 10*100*10 {
		t.Errorf("CurrentSize() = %d, want %d", got, 10*100*10)
	}
}

func TestRotatingWriterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	rw, err := NewRotatingWriter(path, RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if _, err := rw.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close = %v, want os.ErrClosed", err)
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync after Close = %v, want nil", err)
	}
}

func TestNewLoggerWithRotation(t *testing.T) {
	t.Run("requires directory", func(t *testing.T) {
		if _, err := NewLoggerWithRotation("", LevelInfo, DefaultRotationConfig()); err == nil {
			t.Error("expected error for empty dir")
		}
	})

	t.Run("writes through rotating writer", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewLoggerWithRotation(dir, LevelInfo, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLoggerWithRotation failed: %v", err)
		}
		logger.WithPlan("p").Info("hello")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close() = %v", err)
		}

		content, err := os.ReadFile(filepath.Join(dir, LogFileName))
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		entries := readEntries(t, content)
		if len(entries) != 1 || entries[0]["msg"] != "hello" || entries[0]["plan"] != "p" {
			t.Errorf("unexpected entries: %v", entries)
		}
	})
}

func TestDefaultRotationConfig(t *testing.T) {
	cfg := DefaultRotationConfig()
	if cfg.MaxSizeMB != 10 || cfg.MaxBackups != 3 || cfg.Compress {
		t.Errorf("DefaultRotationConfig() = %+v", cfg)
	}
}
