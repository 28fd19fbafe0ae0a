// Package orchestrator runs one call from its audio connection to teardown:
// chunked transcription, dialog-brain round-trips, and the playback,
// transfer and hangup decisions that follow.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basita512/Conversational-IVR/internal/models"
	"github.com/basita512/Conversational-IVR/internal/observability/logging"
	"github.com/basita512/Conversational-IVR/internal/observability/metrics"
	"github.com/basita512/Conversational-IVR/internal/service/audio"
	"github.com/basita512/Conversational-IVR/internal/service/reply"
	"github.com/basita512/Conversational-IVR/internal/service/routing"
	"github.com/basita512/Conversational-IVR/internal/service/session"
	"github.com/basita512/Conversational-IVR/internal/service/speechgate"
	"github.com/basita512/Conversational-IVR/internal/service/stt"
	"github.com/basita512/Conversational-IVR/internal/service/telephony"
)

// Session end reasons, used in logs, metrics and session events.
const (
	ReasonHangup      = "hangup"
	ReasonTransferred = "transferred"
	ReasonClosed      = "transport_closed"
	ReasonShutdown    = "shutdown"
)

// Message is one frame from the audio connection.
type Message struct {
	Binary bool
	Data   []byte
}

// Transport is the audio connection of a call.
type Transport interface {
	Receive() (Message, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Brain answers a caller's words.
type Brain interface {
	Ask(ctx context.Context, callID, transcription string) (*reply.Reply, error)
}

// PlaybackWaiter signals the end of a broadcast.
type PlaybackWaiter interface {
	AwaitPlayback(callID string) (<-chan struct{}, func())
}

// AudioStore persists reply audio and returns a path FreeSWITCH can play.
type AudioStore interface {
	Save(callID string, wav []byte) (string, error)
}

// Publisher receives call events.
type Publisher interface {
	PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error
	PublishAction(ctx context.Context, ev models.ActionEvent) error
	PublishSession(ctx context.Context, ev models.SessionEvent) error
}

// Config holds per-call bounds.
type Config struct {
	Format          audio.Format
	ChunkBytes      int
	MetadataTimeout time.Duration
	STTTimeout      time.Duration
	CommandTimeout  time.Duration
	PlaybackTimeout time.Duration
	FlushTimeout    time.Duration
	PublishTimeout  time.Duration
	// CheckExists asks FreeSWITCH whether the call still exists before
	// applying a decision.
	CheckExists bool
}

// Deps are the collaborators shared by all calls.
type Deps struct {
	Registry *session.Registry
	STT      stt.Transcriber
	Gate     *speechgate.Gate
	Brain    Brain
	Resolver *routing.Resolver
	Control  telephony.Controller
	Playback PlaybackWaiter
	Store    AudioStore
	Events   Publisher
	Metrics  *metrics.Metrics
}

// Orchestrator serves audio connections. Safe for concurrent use; every
// call runs on its own goroutine.
type Orchestrator struct {
	cfg Config
	Deps
}

// New creates an orchestrator. Zero timeouts get working defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 10 * time.Second
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 20 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 2 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = cfg.STTTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	return &Orchestrator{cfg: cfg, Deps: deps}
}

// Serve owns one audio connection until the call ends. It returns an error
// only when the connection fails before a session exists.
func (o *Orchestrator) Serve(ctx context.Context, t Transport) error {
	first, err := o.readMetadata(t)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("read call metadata: %w", err)
	}

	var pending []byte
	callID := ""
	if first.Binary {
		pending = first.Data
	} else {
		callID = parseCallID(first.Data)
	}
	generated := callID == ""
	if generated {
		callID = fallbackCallID()
	}
	logger := logging.WithCall(callID)
	if generated {
		logger.Warn().Msg("No call_id in metadata, using generated identifier")
	}

	sess, err := session.New(ctx, callID, t, o.cfg.ChunkBytes)
	if err != nil {
		_ = t.Close()
		return err
	}

	if prev := o.Registry.Add(sess); prev != nil {
		logger.Warn().Msg("Replacing existing session for call")
		prev.RequestHangup()
	}
	o.Metrics.RecordSessionStart()
	o.publishSession(callID, models.SessionEvent{State: models.SessionStarted})
	logger.Info().Msg("Call session started")

	reason, chunks := o.loop(sess, t, pending, logger)
	o.teardown(sess, reason, chunks, logger)
	return nil
}

func (o *Orchestrator) readMetadata(t Transport) (Message, error) {
	if err := t.SetReadDeadline(time.Now().Add(o.cfg.MetadataTimeout)); err != nil {
		return Message{}, err
	}
	msg, err := t.Receive()
	if err != nil {
		return Message{}, err
	}
	if err := t.SetReadDeadline(time.Time{}); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// parseCallID reads {"call_id": "..."}, optionally prefixed with "raw ".
// Returns "" when absent or unparseable.
func parseCallID(data []byte) string {
	s := strings.TrimSpace(string(data))
	s = strings.TrimSpace(strings.TrimPrefix(s, "raw "))

	var meta struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return ""
	}
	return strings.TrimSpace(meta.CallID)
}

func fallbackCallID() string {
	return "unknown_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (o *Orchestrator) loop(sess *session.Session, t Transport, pending []byte, logger zerolog.Logger) (reason string, chunks int) {
	ctx := sess.Context()
	msgs := make(chan Message)
	recvErr := make(chan error, 1)
	go func() {
		for {
			m, err := t.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	ingest := func(data []byte) bool {
		o.Metrics.RecordAudioReceived(len(data))
		for _, c := range sess.Append(data) {
			if sess.HangupRequested() {
				return false
			}
			chunks++
			if o.processChunk(sess, c) {
				return true
			}
		}
		return false
	}

	if len(pending) > 0 && ingest(pending) {
		return ReasonTransferred, chunks
	}

	for {
		if sess.HangupRequested() {
			return ReasonHangup, chunks
		}
		select {
		case <-sess.Hangup():
			return ReasonHangup, chunks
		case <-ctx.Done():
			return ReasonShutdown, chunks
		case err := <-recvErr:
			logger.Info().Err(err).Msg("Audio connection closed")
			return ReasonClosed, chunks
		case m := <-msgs:
			if !m.Binary {
				logger.Debug().Str("text", string(m.Data)).Msg("Ignoring text frame")
				continue
			}
			if ingest(m.Data) {
				return ReasonTransferred, chunks
			}
		}
	}
}

// processChunk runs one chunk through ASR, the gate and the brain, then
// applies the decision. Returns true once the call has been transferred.
func (o *Orchestrator) processChunk(sess *session.Session, c audio.Chunk) bool {
	ctx := sess.Context()
	callID := sess.CallID()
	logger := logging.WithChunk(callID, c.Seq)
	o.Metrics.RecordChunk()

	sttCtx, cancel := context.WithTimeout(ctx, o.cfg.STTTimeout)
	segments, err := o.STT.Transcribe(sttCtx, c.Data)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Str("provider", o.STT.Name()).Msg("Transcription failed, skipping chunk")
		}
		return false
	}

	text := o.Gate.Filter(segments)
	o.Metrics.RecordGate(text != "")
	if text == "" {
		logger.Debug().Strs("segments", segments).Msg("No meaningful speech in chunk")
		return false
	}
	logger.Info().Str("text", text).Msg("Transcribed chunk")
	o.publishTranscript(sess, c, text, false)

	start := time.Now()
	r, err := o.Brain.Ask(ctx, callID, text)
	switch {
	case errors.Is(err, reply.ErrMalformedEnvelope):
		o.Metrics.RecordBrain(nil, time.Since(start).Seconds())
		o.Metrics.RecordDecodeError()
		logger.Error().Err(err).Msg("Malformed dialog-brain reply, no action taken")
		o.Metrics.RecordAction(models.ActionNone)
		o.publishAction(sess, models.ActionEvent{ChunkSeq: c.Seq, Action: models.ActionNone, Error: err.Error()})
		return false
	case err != nil:
		o.Metrics.RecordBrain(err, time.Since(start).Seconds())
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("Dialog-brain request failed, skipping chunk")
		}
		return false
	}
	o.Metrics.RecordBrain(nil, time.Since(start).Seconds())
	logger.Debug().
		Str("status", r.Status()).
		Bool("audio", r.HasAudio()).
		Msg("Dialog-brain reply received")

	if sess.HangupRequested() {
		logger.Info().Msg("Call ended while waiting for the dialog brain, dropping reply")
		return false
	}
	return o.apply(sess, c.Seq, r, logger)
}

func (o *Orchestrator) apply(sess *session.Session, seq int, r *reply.Reply, logger zerolog.Logger) bool {
	if o.cfg.CheckExists {
		exists, err := o.command(sess, func(ctx context.Context) (bool, error) {
			return o.Control.Exists(ctx, sess.CallID())
		})
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Call existence check failed, applying decision anyway")
		case !exists:
			logger.Info().Msg("Call no longer exists, dropping decision")
			sess.RequestHangup()
			o.Metrics.RecordAction(models.ActionHangup)
			o.publishAction(sess, models.ActionEvent{ChunkSeq: seq, Action: models.ActionHangup, Success: true})
			return false
		}
	}

	if d := r.Directive(); d.Requested {
		if dest, ok := o.Resolver.Resolve(d.TargetLabel); ok {
			return o.transfer(sess, seq, r, d.TargetLabel, dest, logger)
		}
		// A transfer turn is never played back, even when the target is unknown.
		o.Metrics.RecordTransfer("unresolved")
		o.Metrics.RecordAction(models.ActionNone)
		logger.Warn().
			Str("target", d.TargetLabel).
			Strs("known", o.Resolver.Labels()).
			Msg("Unknown transfer target, no action taken")
		o.publishAction(sess, models.ActionEvent{
			ChunkSeq:    seq,
			Action:      models.ActionNone,
			Reply:       r.Text(),
			TargetLabel: d.TargetLabel,
			Error:       "unknown transfer target",
		})
		return false
	}

	if r.HasAudio() {
		o.play(sess, seq, r, logger)
		return false
	}

	logger.Info().Str("reply", r.Text()).Msg("Reply has nothing actionable")
	o.Metrics.RecordAction(models.ActionNone)
	o.publishAction(sess, models.ActionEvent{ChunkSeq: seq, Action: models.ActionNone, Reply: r.Text(), Success: true})
	return false
}

func (o *Orchestrator) play(sess *session.Session, seq int, r *reply.Reply, logger zerolog.Logger) {
	ev := models.ActionEvent{ChunkSeq: seq, Action: models.ActionPlay, Reply: r.Text()}

	path, err := o.Store.Save(sess.CallID(), r.Audio)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist reply audio")
		ev.Error = err.Error()
		o.publishAction(sess, ev)
		return
	}
	ev.AudioPath = path

	if err := o.exec(sess, func(ctx context.Context) error {
		return o.Control.Broadcast(ctx, sess.CallID(), path)
	}); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Broadcast failed")
		ev.Error = err.Error()
		o.publishAction(sess, ev)
		return
	}

	logger.Info().Str("path", path).Msg("Playing reply")
	o.Metrics.RecordAction(models.ActionPlay)
	ev.Success = true
	o.publishAction(sess, ev)
}

func (o *Orchestrator) transfer(sess *session.Session, seq int, r *reply.Reply, label, dest string, logger zerolog.Logger) bool {
	callID := sess.CallID()
	logger = logger.With().Str("target", label).Str("destination", dest).Logger()
	ev := models.ActionEvent{ChunkSeq: seq, Action: models.ActionTransfer, Reply: r.Text(), TargetLabel: label, Destination: dest}

	if err := sess.BeginTransfer(); err != nil {
		logger.Warn().Err(err).Msg("Transfer not started")
		return false
	}

	if r.HasAudio() {
		path, ok := o.playAndWait(sess, r.Audio, logger)
		ev.AudioPath = path
		if !ok {
			_ = sess.AbortTransfer()
			logger.Info().Msg("Call ended during playback, transfer skipped")
			return false
		}
	}

	if err := o.exec(sess, func(ctx context.Context) error {
		return o.Control.Transfer(ctx, callID, dest)
	}); err != nil {
		o.Metrics.RecordTransfer("failed")
		logger.Error().Err(err).Msg("Transfer failed, call stays in dialog")
		_ = sess.AbortTransfer()
		ev.Error = err.Error()
		o.publishAction(sess, ev)
		return false
	}

	o.Metrics.RecordTransfer("success")
	o.Metrics.RecordAction(models.ActionTransfer)
	logger.Info().Msg("Call transferred")

	if err := o.exec(sess, func(ctx context.Context) error {
		return o.Control.StopAudioStream(ctx, callID)
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop audio stream after transfer")
	}
	sess.RequestHangup()

	ev.Success = true
	o.publishAction(sess, ev)
	return true
}

// playAndWait broadcasts the reply and blocks until playback stops, the
// playback timeout passes, or the call ends. ok is false only when the
// call ended.
func (o *Orchestrator) playAndWait(sess *session.Session, wav []byte, logger zerolog.Logger) (path string, ok bool) {
	callID := sess.CallID()
	path, err := o.Store.Save(callID, wav)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist reply audio, transferring without playback")
		return "", true
	}

	done, stop := o.Playback.AwaitPlayback(callID)
	defer stop()

	if err := o.exec(sess, func(ctx context.Context) error {
		return o.Control.Broadcast(ctx, callID, path)
	}); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Broadcast failed, transferring without playback")
		return path, true
	}

	timer := time.NewTimer(o.cfg.PlaybackTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Debug().Msg("Playback finished")
		return path, true
	case <-timer.C:
		logger.Warn().Dur("timeout", o.cfg.PlaybackTimeout).Msg("No playback stop before timeout, transferring anyway")
		return path, true
	case <-sess.Hangup():
		return path, false
	case <-sess.Context().Done():
		return path, false
	}
}

func (o *Orchestrator) exec(sess *session.Session, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(sess.Context(), o.cfg.CommandTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) command(sess *session.Session, fn func(ctx context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(sess.Context(), o.cfg.CommandTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) teardown(sess *session.Session, reason string, chunks int, logger zerolog.Logger) {
	released := sess.Terminate(func() {
		o.flushResidual(sess, chunks, logger)
		o.Registry.Remove(sess.CallID(), sess)
	})
	if !released {
		return
	}

	dur := time.Since(sess.StartedAt())
	o.Metrics.RecordSessionEnd(reason, dur.Seconds())
	o.publishSession(sess.CallID(), models.SessionEvent{
		State:      models.SessionEnded,
		Reason:     reason,
		DurationMs: dur.Milliseconds(),
		Chunks:     chunks,
	})
	logger.Info().Str("reason", reason).Dur("duration", dur).Int("chunks", chunks).Msg("Call session ended")
}

// flushResidual transcribes the audio left after the last full chunk. The
// result is logged and published only.
func (o *Orchestrator) flushResidual(sess *session.Session, seq int, logger zerolog.Logger) {
	residual := sess.Residual()
	if len(residual) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FlushTimeout)
	defer cancel()
	segments, err := o.STT.Transcribe(ctx, residual)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(residual)).Msg("Final residual transcription failed")
		return
	}
	text := o.Gate.Filter(segments)
	if text == "" {
		return
	}
	logger.Info().Str("text", text).Msg("Final residual transcription")
	o.publishTranscript(sess, audio.Chunk{
		Seq:    seq,
		Offset: int64(seq) * int64(sess.ChunkBytes()),
		Data:   residual,
	}, text, true)
}

func (o *Orchestrator) publishTranscript(sess *session.Session, c audio.Chunk, text string, final bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	_ = o.Events.PublishTranscript(ctx, models.TranscriptEvent{
		EventType:     models.EventTypeTranscript,
		CallID:        sess.CallID(),
		Timestamp:     time.Now().UnixMilli(),
		ChunkSeq:      c.Seq,
		AudioOffsetMs: o.cfg.Format.Duration(int(c.Offset)).Milliseconds(),
		Text:          text,
		Provider:      o.STT.Name(),
		Final:         final,
	})
}

func (o *Orchestrator) publishAction(sess *session.Session, ev models.ActionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	ev.EventType = models.EventTypeAction
	ev.CallID = sess.CallID()
	ev.Timestamp = time.Now().UnixMilli()
	_ = o.Events.PublishAction(ctx, ev)
}

func (o *Orchestrator) publishSession(callID string, ev models.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	ev.EventType = models.EventTypeSession
	ev.CallID = callID
	ev.Timestamp = time.Now().UnixMilli()
	_ = o.Events.PublishSession(ctx, ev)
}
