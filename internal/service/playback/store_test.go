package playback

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sounds")
	s, err := NewStore(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path, err := s.Save("call-1", []byte("RIFF1"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "call-1_response.wav"); path != want {
		t.Errorf("expected %s, got %s", want, path)
	}

	// Overwritten on the next turn.
	if _, err := s.Save("call-1", []byte("RIFF2")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("RIFF2")) {
		t.Errorf("expected latest audio, got %q", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestStore_SaveEmpty(t *testing.T) {
	s, _ := NewStore(t.TempDir(), time.Hour)
	if _, err := s.Save("call-1", nil); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestStore_PathForStaysInDir(t *testing.T) {
	s, _ := NewStore(t.TempDir(), time.Hour)

	for _, id := range []string{"../../etc/passwd", "a/b", "/abs"} {
		if got := filepath.Dir(s.PathFor(id)); got != s.Dir() {
			t.Errorf("PathFor(%q) escaped the directory: %s", id, s.PathFor(id))
		}
	}
}

func TestStore_Sweep(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, 24*time.Hour)
	now := time.Now()

	oldPath, _ := s.Save("old", []byte("x"))
	freshPath, _ := s.Save("fresh", []byte("y"))
	other := filepath.Join(dir, "keep.txt")
	_ = os.WriteFile(other, []byte("z"), 0o644)

	stale := now.Add(-25 * time.Hour)
	for _, p := range []string{oldPath, other} {
		if err := os.Chtimes(p, stale, stale); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	n, err := s.Sweep(now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 file removed, got %d", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("stale reply should be removed")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Error("fresh reply should be kept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated files should be kept")
	}
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s, _ := NewStore(t.TempDir(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
