// Package stt defines the interface for Speech-to-Text providers.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transcriber turns one chunk of raw PCM into ordered text segments.
type Transcriber interface {
	// Transcribe blocks until the provider answers or ctx is done.
	Transcribe(ctx context.Context, pcm []byte) ([]string, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// ErrAllFailed is returned when every transcriber in a Fallback failed.
var ErrAllFailed = errors.New("all transcribers failed")

// ObserveFunc is called after every provider attempt.
type ObserveFunc func(provider string, err error, elapsed time.Duration)

// Fallback tries each transcriber in order; the first success wins.
type Fallback struct {
	chain   []Transcriber
	observe ObserveFunc
}

// NewFallback builds a fallback chain. observe may be nil.
func NewFallback(observe ObserveFunc, chain ...Transcriber) *Fallback {
	return &Fallback{chain: chain, observe: observe}
}

// Name lists the chain, e.g. "google>whisper".
func (f *Fallback) Name() string {
	names := make([]string, len(f.chain))
	for i, t := range f.chain {
		names[i] = t.Name()
	}
	return strings.Join(names, ">")
}

// Transcribe returns the first successful result. When all providers
// fail the error wraps ErrAllFailed and every provider error.
func (f *Fallback) Transcribe(ctx context.Context, pcm []byte) ([]string, error) {
	var errs []error
	for _, t := range f.chain {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		start := time.Now()
		segments, err := t.Transcribe(ctx, pcm)
		if f.observe != nil {
			f.observe(t.Name(), err, time.Since(start))
		}
		if err == nil {
			return segments, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
