// Package playback persists reply audio where FreeSWITCH can play it and
// sweeps stale files.
package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const fileSuffix = "_response.wav"

// ErrEmptyAudio is returned when there is nothing to save.
var ErrEmptyAudio = errors.New("empty audio payload")

// Store writes one reply file per call, overwritten every turn.
type Store struct {
	dir    string
	maxAge time.Duration
}

// NewStore creates dir if needed.
func NewStore(dir string, maxAge time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sounds dir: %w", err)
	}
	return &Store{dir: dir, maxAge: maxAge}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns where the reply for callID is stored.
func (s *Store) PathFor(callID string) string {
	name := filepath.Base(filepath.Clean("/" + callID))
	return filepath.Join(s.dir, name+fileSuffix)
}

// Save atomically writes wav for callID and returns its path.
func (s *Store) Save(callID string, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", ErrEmptyAudio
	}
	path := s.PathFor(callID)

	tmp, err := os.CreateTemp(s.dir, ".reply-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write reply audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close reply audio: %w", err)
	}
	// FreeSWITCH usually runs as another user.
	_ = os.Chmod(tmpName, 0o644)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("move reply audio: %w", err)
	}
	return path, nil
}

// Sweep deletes reply files last modified before now-maxAge and returns how
// many were removed.
func (s *Store) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read sounds dir: %w", err)
	}

	cutoff := now.Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", e.Name()).Msg("Failed to remove stale reply audio")
			continue
		}
		removed++
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || s.maxAge <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := s.Sweep(now)
			if err != nil {
				log.Warn().Err(err).Msg("Reply audio sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("Swept stale reply audio")
			}
		}
	}
}
