package telephony

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/basita512/Conversational-IVR/internal/observability/logging"
	"github.com/basita512/Conversational-IVR/internal/observability/metrics"
)

// Sessions is the registry view the watcher needs.
type Sessions interface {
	Contains(callID string) bool
	RequestHangup(callID string) bool
}

// WatcherConfig holds reconnect and command bounds.
type WatcherConfig struct {
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	CommandTimeout time.Duration
}

// HangupWatcher listens for channel events for the life of the process.
// Hangups of registered calls stop the audio fork and set the session's
// hangup flag; playback stops wake whoever is waiting on that call.
type HangupWatcher struct {
	sub      Subscriber
	ctrl     Controller
	sessions Sessions
	cfg      WatcherConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	connected atomic.Bool
	// stops tracks stop-audio-stream commands sent off the event loop.
	stops sync.WaitGroup

	mu      sync.Mutex
	waiters map[string]map[*playbackWaiter]struct{}
}

type playbackWaiter struct {
	once sync.Once
	ch   chan struct{}
}

func (w *playbackWaiter) fire() {
	w.once.Do(func() { close(w.ch) })
}

// NewHangupWatcher creates a watcher. Zero backoffs default to 500ms/30s
// and a nil m to the default metrics.
func NewHangupWatcher(sub Subscriber, ctrl Controller, sessions Sessions, cfg WatcherConfig, m *metrics.Metrics) *HangupWatcher {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &HangupWatcher{
		sub:      sub,
		ctrl:     ctrl,
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
		logger:   logging.WithComponent("hangup-watcher"),
		waiters:  make(map[string]map[*playbackWaiter]struct{}),
	}
}

// Connected reports whether an event stream is currently open.
func (w *HangupWatcher) Connected() bool {
	return w.connected.Load()
}

// Run subscribes and consumes events until ctx is cancelled, reconnecting
// with capped exponential backoff. It only returns ctx.Err().
func (w *HangupWatcher) Run(ctx context.Context) error {
	w.logger.Info().Msg("Hangup watcher started")
	defer w.logger.Info().Msg("Hangup watcher stopped")
	defer w.stops.Wait()

	for {
		b := retry.WithCappedDuration(w.cfg.MaxBackoff, retry.NewExponential(w.cfg.MinBackoff))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			stream, err := w.sub.Subscribe(ctx, EventChannelHangup, EventPlaybackStop)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.metrics.RecordWatcherReconnect()
				w.logger.Warn().Err(err).Msg("Event subscription failed, retrying")
				return retry.RetryableError(err)
			}
			w.consume(ctx, stream)
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Error().Err(err).Msg("Hangup watcher retry loop ended")
		}

		// The stream dropped after a successful subscribe; back off briefly
		// before starting a fresh retry sequence.
		w.metrics.RecordWatcherReconnect()
		t := time.NewTimer(w.cfg.MinBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *HangupWatcher) consume(ctx context.Context, stream Stream) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()
	defer stream.Close()

	w.connected.Store(true)
	defer w.connected.Store(false)
	w.logger.Info().Msg("Subscribed to channel events")

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Event stream ended")
			}
			return
		}
		w.dispatch(ctx, ev)
	}
}

func (w *HangupWatcher) dispatch(ctx context.Context, ev Event) {
	switch ev.Name {
	case EventChannelHangup:
		w.handleHangup(ctx, ev.CallID)
	case EventPlaybackStop:
		id := ev.UniqueID
		if id == "" {
			id = ev.CallID
		}
		w.notifyPlayback(id)
	}
}

func (w *HangupWatcher) handleHangup(ctx context.Context, callID string) {
	if callID == "" || !w.sessions.Contains(callID) {
		log.Debug().Str("callId", callID).Msg("Hangup for untracked call ignored")
		return
	}
	logger := logging.WithCall(callID)

	if w.sessions.RequestHangup(callID) {
		w.metrics.RecordHangup()
		logger.Info().Msg("Call hung up, session marked for teardown")
	}

	// The command runs off the event loop so other calls' events are not
	// held up behind it.
	w.stops.Add(1)
	go func() {
		defer w.stops.Done()
		cctx, cancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
		defer cancel()
		if err := w.ctrl.StopAudioStream(cctx, callID); err != nil {
			// Usually the fork is already gone with the channel.
			logger.Debug().Err(err).Msg("Stop audio stream after hangup failed")
		}
	}()
}

// AwaitPlayback returns a channel closed when PLAYBACK_STOP arrives for
// callID. Register before starting playback; call cancel when done waiting.
func (w *HangupWatcher) AwaitPlayback(callID string) (<-chan struct{}, func()) {
	pw := &playbackWaiter{ch: make(chan struct{})}

	w.mu.Lock()
	set, ok := w.waiters[callID]
	if !ok {
		set = make(map[*playbackWaiter]struct{})
		w.waiters[callID] = set
	}
	set[pw] = struct{}{}
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.waiters[callID]; ok {
			delete(set, pw)
			if len(set) == 0 {
				delete(w.waiters, callID)
			}
		}
	}
	return pw.ch, cancel
}

func (w *HangupWatcher) notifyPlayback(callID string) {
	w.mu.Lock()
	set := w.waiters[callID]
	delete(w.waiters, callID)
	w.mu.Unlock()

	for pw := range set {
		pw.fire()
	}
}
