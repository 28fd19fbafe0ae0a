package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basita512/Conversational-IVR/internal/models"
	"github.com/basita512/Conversational-IVR/internal/observability/metrics"
	"github.com/basita512/Conversational-IVR/internal/service/audio"
	"github.com/basita512/Conversational-IVR/internal/service/reply"
	"github.com/basita512/Conversational-IVR/internal/service/routing"
	"github.com/basita512/Conversational-IVR/internal/service/session"
	"github.com/basita512/Conversational-IVR/internal/service/speechgate"
	"github.com/basita512/Conversational-IVR/internal/service/stt/mock"
)

const testChunkBytes = 8

// testTransport replays queued frames; closing in ends the stream.
type testTransport struct {
	in        chan Message
	done      chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu       sync.Mutex
	deadline time.Time
}

func newTestTransport(msgs ...Message) *testTransport {
	t := &testTransport{in: make(chan Message, 16), done: make(chan struct{})}
	for _, m := range msgs {
		t.in <- m
	}
	return t
}

func (t *testTransport) Receive() (Message, error) {
	t.mu.Lock()
	dl := t.deadline
	t.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		timer := time.NewTimer(time.Until(dl))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case m, ok := <-t.in:
		if !ok {
			return Message{}, io.EOF
		}
		return m, nil
	case <-t.done:
		return Message{}, errors.New("use of closed connection")
	case <-timeout:
		return Message{}, errors.New("i/o timeout")
	}
}

func (t *testTransport) SetReadDeadline(d time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = d
	return nil
}

func (t *testTransport) Close() error {
	t.closes.Add(1)
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func metadata(callID string) Message {
	return Message{Data: []byte(fmt.Sprintf(`raw {"call_id":%q}`, callID))}
}

func pcm(n int) Message {
	return Message{Binary: true, Data: make([]byte, n)}
}

// recorder keeps the order of side effects across fakes.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type testPlayback struct {
	rec     *recorder
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func (p *testPlayback) AwaitPlayback(callID string) (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.waiters[callID] = append(p.waiters[callID], ch)
	return ch, func() {}
}

// finish simulates PLAYBACK_STOP.
func (p *testPlayback) finish(callID string) {
	p.mu.Lock()
	ws := p.waiters[callID]
	delete(p.waiters, callID)
	p.mu.Unlock()
	if len(ws) == 0 {
		return
	}
	p.rec.add("playback-stop")
	for _, ch := range ws {
		close(ch)
	}
}

type testController struct {
	rec         *recorder
	playback    *testPlayback
	autoStop    bool
	transferErr error
	exists      bool
}

func (c *testController) StopAudioStream(ctx context.Context, callID string) error {
	c.rec.add("stop %s", callID)
	return nil
}

func (c *testController) Broadcast(ctx context.Context, callID, path string) error {
	c.rec.add("broadcast %s", path)
	if c.autoStop {
		c.playback.finish(callID)
	}
	return nil
}

func (c *testController) Transfer(ctx context.Context, callID, destination string) error {
	c.rec.add("transfer %s", destination)
	return c.transferErr
}

func (c *testController) Exists(ctx context.Context, callID string) (bool, error) {
	c.rec.add("exists %s", callID)
	return c.exists, nil
}

type testStore struct {
	rec *recorder
}

func (s *testStore) Save(callID string, wav []byte) (string, error) {
	s.rec.add("save %s", callID)
	return "/sounds/" + callID + "_response.wav", nil
}

type testBrain struct {
	mu      sync.Mutex
	texts   []string
	replies []func() (*reply.Reply, error)
	// onAsk runs under mu.
	onAsk func(callID string)
}

func (b *testBrain) Ask(ctx context.Context, callID, text string) (*reply.Reply, error) {
	b.mu.Lock()
	n := len(b.texts)
	b.texts = append(b.texts, text)
	if b.onAsk != nil {
		b.onAsk(callID)
	}
	var next func() (*reply.Reply, error)
	if n < len(b.replies) {
		next = b.replies[n]
	}
	b.mu.Unlock()

	if next == nil {
		return &reply.Reply{JSON: map[string]any{"status": "success"}}, nil
	}
	return next()
}

func (b *testBrain) asked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

type testPublisher struct {
	mu          sync.Mutex
	transcripts []models.TranscriptEvent
	actions     []models.ActionEvent
	sessions    []models.SessionEvent
}

func (p *testPublisher) PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, ev)
	return nil
}

func (p *testPublisher) PublishAction(ctx context.Context, ev models.ActionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, ev)
	return nil
}

func (p *testPublisher) PublishSession(ctx context.Context, ev models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, ev)
	return nil
}

func (p *testPublisher) ended(callID string) (models.SessionEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.sessions {
		if ev.CallID == callID && ev.State == models.SessionEnded {
			return ev, true
		}
	}
	return models.SessionEvent{}, false
}

type harness struct {
	o     *Orchestrator
	reg   *session.Registry
	rec   *recorder
	ctrl  *testController
	brain *testBrain
	pub   *testPublisher
	stt   *mock.Adapter
	cfg   Config
}

func newHarness(results ...[]string) *harness {
	rec := &recorder{}
	pb := &testPlayback{rec: rec, waiters: map[string][]chan struct{}{}}
	h := &harness{
		reg:   session.NewRegistry(),
		rec:   rec,
		ctrl:  &testController{rec: rec, playback: pb, autoStop: true, exists: true},
		brain: &testBrain{},
		pub:   &testPublisher{},
		stt:   mock.NewScripted(results...),
		cfg: Config{
			Format:          audio.Telephony16k,
			ChunkBytes:      testChunkBytes,
			MetadataTimeout: time.Second,
			STTTimeout:      time.Second,
			CommandTimeout:  time.Second,
			PlaybackTimeout: time.Second,
		},
	}
	h.build(pb)
	return h
}

func (h *harness) build(pb *testPlayback) {
	h.o = New(h.cfg, Deps{
		Registry: h.reg,
		STT:      h.stt,
		Gate:     speechgate.New(speechgate.DefaultConfig()),
		Brain:    h.brain,
		Resolver: routing.NewResolver(map[string]string{"sales": "5000", "support": "5001"}),
		Control:  h.ctrl,
		Playback: pb,
		Store:    &testStore{rec: h.rec},
		Events:   h.pub,
		Metrics:  metrics.NewMetricsWith(prometheus.NewRegistry()),
	})
}

func (h *harness) serve(ctx context.Context, tr *testTransport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.o.Serve(ctx, tr) }()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func transferReply(target string, wav []byte) func() (*reply.Reply, error) {
	return func() (*reply.Reply, error) {
		return &reply.Reply{
			JSON: map[string]any{
				"status":       "success",
				"llm_response": "One moment please.",
				"transfer":     map[string]any{"transfer_request": true, "transfer_target": target},
			},
			Audio:         wav,
			AudioFilename: "response.wav",
		}, nil
	}
}

func TestServe_TransferWithPlayback(t *testing.T) {
	h := newHarness([]string{"I want to talk to sales"})
	h.brain.replies = []func() (*reply.Reply, error){transferReply("Sales", []byte("RIFFwav"))}

	var sess *session.Session
	h.brain.onAsk = func(callID string) { sess, _ = h.reg.Get(callID) }

	tr := newTestTransport(metadata("call-42"), pcm(testChunkBytes))
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{
		"save call-42",
		"broadcast /sounds/call-42_response.wav",
		"playback-stop",
		"transfer 5000",
		"stop call-42",
	}
	if got := h.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected actions:\n got %q\nwant %q", got, want)
	}
	if got := h.brain.asked(); !reflect.DeepEqual(got, []string{"I want to talk to sales"}) {
		t.Errorf("unexpected brain requests %q", got)
	}

	if sess == nil {
		t.Fatal("session was not registered while the brain was asked")
	}
	if !sess.HangupRequested() {
		t.Error("a completed transfer must set the hangup flag")
	}
	if sess.Releases() != 1 || sess.State() != session.StateTerminated {
		t.Errorf("expected one release and TERMINATED, got %d %s", sess.Releases(), sess.State())
	}
	if h.reg.Contains("call-42") {
		t.Error("registry still holds the session after teardown")
	}
	if tr.closes.Load() == 0 {
		t.Error("transport was not closed")
	}
	if ev, ok := h.pub.ended("call-42"); !ok || ev.Reason != ReasonTransferred {
		t.Errorf("expected ended event with reason %s, got %+v", ReasonTransferred, ev)
	}
}

func TestServe_TransferWithoutAudio(t *testing.T) {
	h := newHarness([]string{"support please"})
	h.brain.replies = []func() (*reply.Reply, error){transferReply("support", nil)}

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes))
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{"transfer 5001", "stop call-1"}
	if got := h.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected actions:\n got %q\nwant %q", got, want)
	}
}

func TestServe_PlaybackTimeoutStillTransfers(t *testing.T) {
	h := newHarness([]string{"I want to talk to sales"})
	h.ctrl.autoStop = false
	h.cfg.PlaybackTimeout = 30 * time.Millisecond
	h.build(h.ctrl.playback)
	h.brain.replies = []func() (*reply.Reply, error){transferReply("sales", []byte("RIFF"))}

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes))
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{"save call-1", "broadcast /sounds/call-1_response.wav", "transfer 5000", "stop call-1"}
	if got := h.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected actions:\n got %q\nwant %q", got, want)
	}
}

func TestServe_UnresolvedTargetTakesNoAction(t *testing.T) {
	h := newHarness([]string{"connect me to billing"})
	h.brain.replies = []func() (*reply.Reply, error){transferReply("billing", []byte("RIFF"))}

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if got := h.rec.list(); len(got) != 0 {
		t.Errorf("unknown target must not save, broadcast or transfer, got %q", got)
	}
	if ev, _ := h.pub.ended("call-1"); ev.Reason != ReasonClosed {
		t.Errorf("expected reason %s, got %q", ReasonClosed, ev.Reason)
	}

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.actions) != 1 {
		t.Fatalf("expected 1 action event, got %d", len(h.pub.actions))
	}
	if a := h.pub.actions[0]; a.Action != models.ActionNone || a.TargetLabel != "billing" {
		t.Errorf("unexpected action event %+v", a)
	}
}

func TestServe_FailedTransferKeepsDialog(t *testing.T) {
	h := newHarness([]string{"sales please"}, []string{"are you still there"})
	h.ctrl.transferErr = errors.New("-ERR no such extension")
	h.brain.replies = []func() (*reply.Reply, error){transferReply("sales", nil)}

	var sess *session.Session
	h.brain.onAsk = func(callID string) { sess, _ = h.reg.Get(callID) }

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes), pcm(testChunkBytes))
	done := h.serve(context.Background(), tr)
	waitFor(t, "second brain request", func() bool { return len(h.brain.asked()) == 2 })
	if sess.State() != session.StateActive || sess.HangupRequested() {
		t.Errorf("failed transfer should leave the call ACTIVE, got %s hangup=%v", sess.State(), sess.HangupRequested())
	}
	close(tr.in)
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if got := h.rec.list(); !reflect.DeepEqual(got, []string{"transfer 5000"}) {
		t.Errorf("unexpected actions %q", got)
	}
	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.actions) == 0 || h.pub.actions[0].Success {
		t.Errorf("expected an unsuccessful transfer action, got %+v", h.pub.actions)
	}
}

func TestServe_GateRejectsFiller(t *testing.T) {
	h := newHarness([]string{"um"}, []string{"okay", "thanks"})

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes), pcm(testChunkBytes))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if got := h.brain.asked(); len(got) != 0 {
		t.Errorf("filler must not reach the brain, got %q", got)
	}
	if h.stt.Calls() != 2 {
		t.Errorf("expected 2 transcriptions, got %d", h.stt.Calls())
	}
}

func TestServe_BrainFailuresSkipChunk(t *testing.T) {
	h := newHarness([]string{"first request"}, []string{"second request"}, []string{"third request"})
	h.brain.replies = []func() (*reply.Reply, error){
		func() (*reply.Reply, error) { return nil, context.DeadlineExceeded },
		func() (*reply.Reply, error) {
			return &reply.Reply{}, fmt.Errorf("%w: no boundary", reply.ErrMalformedEnvelope)
		},
		func() (*reply.Reply, error) {
			return &reply.Reply{JSON: map[string]any{"status": "success", "llm_response": "Sure."}}, nil
		},
	}

	tr := newTestTransport(metadata("call-1"), pcm(3*testChunkBytes))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if got := h.brain.asked(); len(got) != 3 {
		t.Errorf("expected every chunk to reach the brain, got %q", got)
	}
	if got := h.rec.list(); len(got) != 0 {
		t.Errorf("no call-control action expected, got %q", got)
	}
}

func TestServe_STTFailureSkipsChunk(t *testing.T) {
	h := newHarness([]string{"never returned"})
	h.stt.FailWith(errors.New("quota exceeded"))

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(h.brain.asked()) != 0 {
		t.Error("brain must not be asked after a failed transcription")
	}
}

func TestServe_ResidualFlushedNotSentToBrain(t *testing.T) {
	h := newHarness([]string{"first chunk words"}, []string{"trailing words here"})

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes+4))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if h.stt.Calls() != 2 {
		t.Errorf("expected chunk plus residual transcription, got %d", h.stt.Calls())
	}
	if got := h.brain.asked(); !reflect.DeepEqual(got, []string{"first chunk words"}) {
		t.Errorf("residual must not reach the brain, got %q", got)
	}

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.transcripts) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(h.pub.transcripts))
	}
	last := h.pub.transcripts[1]
	if !last.Final || last.Text != "trailing words here" {
		t.Errorf("unexpected residual transcript %+v", last)
	}
}

func TestServe_HangupEndsOnlyThatCall(t *testing.T) {
	h := newHarness([]string{"um"})
	ids := []string{"call-a", "call-b", "call-c"}

	transports := make(map[string]*testTransport)
	dones := make(map[string]<-chan error)
	for _, id := range ids {
		tr := newTestTransport(metadata(id))
		transports[id] = tr
		dones[id] = h.serve(context.Background(), tr)
	}
	waitFor(t, "all sessions registered", func() bool { return h.reg.Len() == len(ids) })

	if !h.reg.RequestHangup("call-b") {
		t.Fatal("hangup target not found")
	}
	if err := waitServe(t, dones["call-b"]); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if h.reg.Contains("call-b") {
		t.Error("hung-up call still registered")
	}
	for _, id := range []string{"call-a", "call-c"} {
		s, ok := h.reg.Get(id)
		if !ok || s.HangupRequested() {
			t.Errorf("%s should be unaffected", id)
		}
	}
	if ev, _ := h.pub.ended("call-b"); ev.Reason != ReasonHangup {
		t.Errorf("expected reason %s, got %q", ReasonHangup, ev.Reason)
	}

	for _, id := range []string{"call-a", "call-c"} {
		close(transports[id].in)
		if err := waitServe(t, dones[id]); err != nil {
			t.Fatalf("Serve %s: %v", id, err)
		}
	}
	if h.reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", h.reg.Len())
	}
}

func TestServe_ShutdownEndsSession(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())

	done := h.serve(ctx, newTestTransport(metadata("call-1")))
	waitFor(t, "session registered", func() bool { return h.reg.Contains("call-1") })
	cancel()

	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if ev, _ := h.pub.ended("call-1"); ev.Reason != ReasonShutdown {
		t.Errorf("expected reason %s, got %q", ReasonShutdown, ev.Reason)
	}
}

func TestServe_CheckExistsDropsDecision(t *testing.T) {
	h := newHarness([]string{"I want to talk to sales"})
	h.cfg.CheckExists = true
	h.build(h.ctrl.playback)
	h.ctrl.exists = false
	h.brain.replies = []func() (*reply.Reply, error){transferReply("sales", []byte("RIFF"))}

	tr := newTestTransport(metadata("call-1"), pcm(testChunkBytes))
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if got := h.rec.list(); !reflect.DeepEqual(got, []string{"exists call-1"}) {
		t.Errorf("unexpected actions %q", got)
	}
	if ev, _ := h.pub.ended("call-1"); ev.Reason != ReasonHangup {
		t.Errorf("expected reason %s, got %q", ReasonHangup, ev.Reason)
	}
}

func TestServe_BinaryFirstFrameUsesFallbackID(t *testing.T) {
	h := newHarness([]string{"hello from the caller"})

	tr := newTestTransport(pcm(testChunkBytes))
	close(tr.in)
	if err := waitServe(t, h.serve(context.Background(), tr)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.sessions) == 0 {
		t.Fatal("no session events")
	}
	id := h.pub.sessions[0].CallID
	if !strings.HasPrefix(id, "unknown_") || len(id) != len("unknown_")+8 {
		t.Errorf("unexpected fallback id %q", id)
	}
	if h.stt.Calls() != 1 {
		t.Errorf("first binary frame should be processed, got %d transcriptions", h.stt.Calls())
	}
}

func TestServe_MetadataFailure(t *testing.T) {
	t.Run("closed before metadata", func(t *testing.T) {
		h := newHarness()
		tr := newTestTransport()
		close(tr.in)

		if err := waitServe(t, h.serve(context.Background(), tr)); err == nil {
			t.Error("expected an error")
		}
		if h.reg.Len() != 0 || tr.closes.Load() == 0 {
			t.Error("no session may be created and the transport must be closed")
		}
	})

	t.Run("metadata timeout", func(t *testing.T) {
		h := newHarness()
		h.cfg.MetadataTimeout = 20 * time.Millisecond
		h.build(h.ctrl.playback)

		if err := waitServe(t, h.serve(context.Background(), newTestTransport())); err == nil {
			t.Error("expected a timeout error")
		}
	})
}

func TestParseCallID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"call_id":"abc-123"}`, "abc-123"},
		{`raw {"call_id":"abc-123"}`, "abc-123"},
		{`  raw   {"call_id": " abc "}  `, "abc"},
		{`{"call_id":"   "}`, ""},
		{`{"call_id":42}`, ""},
		{`{"other":"x"}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := parseCallID([]byte(tt.in)); got != tt.want {
			t.Errorf("parseCallID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
