// Package mock provides a mock STT transcriber for running without cloud
// credentials. It cycles through canned results, one per chunk, with a
// simulated processing delay.
package mock

import (
	"context"
	"sync"
	"time"
)

// DefaultUtterances provides sample results for simulation. Some are pure
// backchannel so the speech gate has something to reject.
var DefaultUtterances = [][]string{
	{"I want to cancel", "my subscription"},
	{"um"},
	{"Can you help me with my account"},
	{"okay", "thanks"},
	{"I want to talk to sales"},
}

// Adapter implements stt.Transcriber with canned responses.
type Adapter struct {
	mu         sync.Mutex
	utterances [][]string
	next       int
	calls      int
	delay      time.Duration
	err        error
}

// New creates a mock cycling through DefaultUtterances with a 50ms delay.
func New() *Adapter {
	return &Adapter{utterances: DefaultUtterances, delay: 50 * time.Millisecond}
}

// NewScripted creates a mock returning results in order, then cycling.
// No delay is simulated.
func NewScripted(results ...[]string) *Adapter {
	return &Adapter{utterances: results}
}

// WithDelay sets the simulated processing delay.
func (a *Adapter) WithDelay(d time.Duration) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
	return a
}

// FailWith makes every following call return err; nil restores success.
func (a *Adapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return "mock"
}

// Transcribe returns the next canned result after the delay.
func (a *Adapter) Transcribe(ctx context.Context, pcm []byte) ([]string, error) {
	a.mu.Lock()
	a.calls++
	delay, err := a.delay, a.err
	var result []string
	if err == nil && len(a.utterances) > 0 {
		result = a.utterances[a.next%len(a.utterances)]
		a.next++
	}
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]string(nil), result...), nil
}

// Calls returns how many chunks were submitted.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
