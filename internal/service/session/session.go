package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basita512/Conversational-IVR/internal/service/audio"
)

// Session is the state of one call. The audio buffer is owned by the
// orchestrator loop; the hangup flag and lifecycle state may be touched
// from any goroutine.
type Session struct {
	callID    string
	startedAt time.Time
	transport io.Closer

	audioMu   sync.Mutex
	assembler *audio.Assembler

	mu    sync.RWMutex
	state State

	hangup     atomic.Bool
	hangupOnce sync.Once
	hangupCh   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	terminated atomic.Bool
	releases   atomic.Int32
}

// New creates an ACTIVE session. transport is closed on termination and
// may be nil. The session context derives from parent and is cancelled on
// termination, aborting any in-flight external call.
func New(parent context.Context, callID string, transport io.Closer, chunkBytes int) (*Session, error) {
	asm, err := audio.NewAssembler(chunkBytes)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", callID, err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		callID:    callID,
		startedAt: time.Now(),
		transport: transport,
		assembler: asm,
		state:     StateActive,
		hangupCh:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// CallID returns the call identifier.
func (s *Session) CallID() string {
	return s.callID
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Context is cancelled when the session terminates.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Append feeds inbound audio and returns the chunks now complete.
func (s *Session) Append(p []byte) []audio.Chunk {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.assembler.Append(p)
}

// ChunkBytes returns the chunk size the session assembles.
func (s *Session) ChunkBytes() int {
	return s.assembler.Size()
}

// Residual removes and returns the partial chunk still buffered.
func (s *Session) Residual() []byte {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.assembler.Flush()
}

// RequestHangup marks the call as over. Safe from any goroutine; returns
// true only for the call that set the flag.
func (s *Session) RequestHangup() bool {
	if !s.hangup.CompareAndSwap(false, true) {
		return false
	}
	s.hangupOnce.Do(func() { close(s.hangupCh) })
	return true
}

// HangupRequested reports whether the hangup flag is set.
func (s *Session) HangupRequested() bool {
	return s.hangup.Load()
}

// Hangup returns a channel closed once the hangup flag is set.
func (s *Session) Hangup() <-chan struct{} {
	return s.hangupCh
}

// BeginTransfer moves ACTIVE → TRANSFERRING.
func (s *Session) BeginTransfer() error {
	return s.transition(StateTransferring)
}

// AbortTransfer returns TRANSFERRING → ACTIVE after a failed transfer.
func (s *Session) AbortTransfer() error {
	return s.transition(StateActive)
}

// Terminate runs teardown exactly once: the session context is cancelled,
// the transport closed and release invoked. Later calls are no-ops and
// return false.
func (s *Session) Terminate(release func()) bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}

	s.cancel()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if release != nil {
		release()
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	s.releases.Add(1)
	return true
}

// Terminated reports whether teardown has started.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// Releases returns how many times teardown released resources.
func (s *Session) Releases() int {
	return int(s.releases.Load())
}
