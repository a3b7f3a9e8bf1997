// Package bridge runs one supervisor goroutine per telephone call. The
// supervisor is the sole owner of the session state: the upstream client,
// the cost meter, and the context accumulator all live inside it, and every
// event — caller audio, upstream events, termination requests — funnels
// through its single run loop.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aivalabs/voicebridge/internal/bus"
	"github.com/aivalabs/voicebridge/internal/callctx"
	"github.com/aivalabs/voicebridge/internal/directory"
	"github.com/aivalabs/voicebridge/internal/meter"
	"github.com/aivalabs/voicebridge/internal/observe"
	"github.com/aivalabs/voicebridge/internal/tooling"
	"github.com/aivalabs/voicebridge/pkg/audio"
	"github.com/aivalabs/voicebridge/pkg/realtime"
)

const (
	// audioInBuffer absorbs bursts of 20 ms caller frames. The ingress
	// reader drops frames rather than block when the supervisor stalls.
	audioInBuffer = 32

	// endEventAttempts is how often a call.ended publish is retried before
	// the report is dropped with a warning.
	endEventAttempts = 3
)

// End statuses reported on the control bus.
const (
	StatusCompleted    = "completed"
	StatusIdleTimeout  = "idle_timeout"
	StatusShutdown     = "shutdown"
	StatusUpstreamLost = "upstream_lost"
	StatusAuthFailed   = "auth_failed"
	StatusConfigFailed = "config_failed"
)

// Output is the ingress-facing side of a session: encoded µ-law audio for
// the caller plus a drain signal on barge-in.
type Output interface {
	// WriteAudio queues 8 kHz µ-law bytes for the caller.
	WriteAudio(mulaw []byte) error

	// Drain discards queued outbound audio immediately.
	Drain()
}

// Upstream is the slice of [realtime.Client] the supervisor drives. It is
// an interface so tests can substitute a scripted fake.
type Upstream interface {
	Events() <-chan realtime.Event
	UpdateSession(cfg realtime.SessionConfig) error
	AppendAudio(pcm []byte) error
	ClearInputAudio() error
	CreateResponse() error
	CancelResponse() error
	SendToolResult(callID, output string) error
	InjectSystemText(text string) error
	Close() error
}

var _ Upstream = (*realtime.Client)(nil)

// EventPublisher is the control-bus surface the supervisor needs.
// *bus.Bus satisfies it.
type EventPublisher interface {
	PublishJSON(ctx context.Context, channel string, v any) error
	PublishJSONRetry(ctx context.Context, channel string, v any, attempts int) error
}

// Config carries the per-call parameters resolved at ingress time.
type Config struct {
	SessionID    string
	CallerID     string
	TenantID     string
	AgentID      string
	AsteriskPort int
	Agent        directory.AgentConfig

	RateCard meter.RateCard
	Margin   float64

	TranscriptionModel string
	VADThreshold       float64
	SilenceDurationMS  int
}

// Deps are the shared collaborators. Bootstrap mints the ephemeral upstream
// credential; Dial opens the duplex socket with it. They are separate so a
// reconnect can reuse a still-valid secret without a second mint.
type Deps struct {
	Bootstrap  func(ctx context.Context) (realtime.ClientSecret, error)
	Dial       func(ctx context.Context, secret realtime.ClientSecret) (Upstream, error)
	Dispatcher *tooling.Dispatcher
	Events     EventPublisher
	Metrics    *observe.Metrics
	Clock      func() time.Time
}

// Supervisor owns one call session end to end. Create with [New], drive
// with [Run] in its own goroutine; [HandleAudio] and [End] are the only
// methods safe to call from other goroutines (besides the read-only
// accessors).
type Supervisor struct {
	cfg  Config
	deps Deps
	out  Output

	meter *meter.Meter
	acc   *callctx.Accumulator

	up           Upstream
	secret       realtime.ClientSecret
	farSessionID string
	reconnected  bool
	everReady    bool

	// dropDeltas is set on barge-in: audio deltas of the cancelled response
	// may still be in flight on the event channel and must not reach the
	// caller. Cleared when the next response starts. Loop-owned.
	dropDeltas bool

	state        atomic.Int32
	lastActivity atomic.Int64
	started      time.Time
	responseAt   time.Time

	audioIn chan []byte
	endCh   chan string
	done    chan struct{}
}

// New builds a supervisor for one resolved call. It fails when the agent's
// model is missing from the rate card: an unpriceable call is refused, not
// served at a guessed price.
func New(cfg Config, out Output, deps Deps) (*Supervisor, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	var meterOpts []meter.Option
	if deps.Clock != nil {
		meterOpts = append(meterOpts, meter.WithClock(deps.Clock))
	}
	m, err := meter.New(cfg.SessionID, cfg.Agent.Model, cfg.RateCard, cfg.Margin, meterOpts...)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		out:     out,
		meter:   m,
		acc:     callctx.New(callctx.WithClock(deps.Clock)),
		audioIn: make(chan []byte, audioInBuffer),
		endCh:   make(chan string, 1),
		done:    make(chan struct{}),
	}
	s.touch()
	return s, nil
}

// SessionID returns the bridge-side session identifier.
func (s *Supervisor) SessionID() string { return s.cfg.SessionID }

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// LastActivity returns the time audio last moved or a response-lifecycle
// event arrived. The reaper uses it; a connected but silent session goes
// stale like any other.
func (s *Supervisor) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed when [Run] returns and all session state is released.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// HandleAudio hands one decoded 8 kHz PCM16 caller chunk to the supervisor.
// It never blocks: when the supervisor cannot keep up the chunk is dropped,
// which for live audio beats growing latency.
func (s *Supervisor) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	select {
	case s.audioIn <- pcm:
	case <-s.done:
	default:
		slog.Warn("bridge: dropping caller audio chunk", "session_id", s.cfg.SessionID)
	}
}

// End asks the supervisor to terminate with the given status. Idempotent;
// later calls lose to the first.
func (s *Supervisor) End(status string) {
	select {
	case s.endCh <- status:
	default:
	}
}

func (s *Supervisor) touch() {
	s.lastActivity.Store(s.deps.Clock().UnixNano())
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		slog.Debug("bridge: state transition",
			"session_id", s.cfg.SessionID, "from", prev.String(), "to", st.String())
	}
}

// Run executes the session until termination. It must be called exactly
// once, in a dedicated goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	s.started = s.deps.Clock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveCalls.Add(ctx, 1)
		defer s.deps.Metrics.ActiveCalls.Add(ctx, -1)
	}

	slog.Info("bridge: session starting",
		"session_id", s.cfg.SessionID, "caller_id", s.cfg.CallerID,
		"tenant_id", s.cfg.TenantID, "agent_id", s.cfg.AgentID,
		"model", s.cfg.Agent.Model)

	secret, err := s.deps.Bootstrap(ctx)
	if err != nil {
		var authErr *realtime.AuthError
		status := StatusConfigFailed
		kind := "bootstrap"
		if errors.As(err, &authErr) {
			status = StatusAuthFailed
			kind = "auth"
		}
		slog.Error("bridge: upstream bootstrap failed",
			"session_id", s.cfg.SessionID, "err", err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordUpstreamError(ctx, kind)
		}
		s.fail(ctx, status, err)
		return
	}
	s.secret = secret

	up, err := s.deps.Dial(ctx, secret)
	if err != nil {
		slog.Error("bridge: upstream dial failed", "session_id", s.cfg.SessionID, "err", err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordUpstreamError(ctx, "disconnect")
		}
		s.fail(ctx, StatusUpstreamLost, err)
		return
	}
	s.up = up
	s.setState(StateConfiguring)

	status := s.loop(ctx)
	s.finish(ctx, status)
}

// loop is the event loop body; it returns the end status.
func (s *Supervisor) loop(ctx context.Context) string {
	for {
		select {
		case <-ctx.Done():
			return StatusShutdown

		case status := <-s.endCh:
			return status

		case pcm := <-s.audioIn:
			s.onCallerAudio(pcm)

		case evt, ok := <-s.up.Events():
			if !ok {
				// The channel closes only after a disconnected event; a
				// bare close is treated the same way.
				evt = realtime.Event{Type: realtime.EventDisconnected}
			}
			if status, terminal := s.onEvent(ctx, evt); terminal {
				return status
			}
		}
	}
}

// onCallerAudio upsamples one caller chunk to 24 kHz and appends it to the
// upstream input buffer. Audio arriving before the session is configured is
// dropped; the model is not listening yet.
func (s *Supervisor) onCallerAudio(pcm []byte) {
	if !s.State().Active() {
		return
	}
	s.touch()
	s.meter.StartAudioInput()
	if err := s.up.AppendAudio(audio.Upsample8to24(pcm)); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Warn("bridge: append audio failed", "session_id", s.cfg.SessionID, "err", err)
	}
}

// onEvent applies one upstream event. The second return value is true when
// the session must terminate with the returned status.
func (s *Supervisor) onEvent(ctx context.Context, evt realtime.Event) (string, bool) {
	switch evt.Type {
	case realtime.EventSessionCreated:
		s.onSessionCreated(evt.SessionID)

	case realtime.EventSpeechStarted:
		s.onSpeechStarted()

	case realtime.EventSpeechStopped:
		s.meter.StopAudioInput()
		if s.State() == StateListening {
			s.setState(StateReady)
		}

	case realtime.EventResponseCreated:
		s.dropDeltas = false
		s.responseAt = s.deps.Clock()
		s.touch()

	case realtime.EventAudioDelta:
		s.onAudioDelta(evt.Audio)

	case realtime.EventAudioDone:
		s.dropDeltas = false
		s.meter.StopAudioOutput()
		if s.State() == StateSpeaking {
			s.setState(StateReady)
		}

	case realtime.EventResponseDone:
		s.onResponseDone(ctx, evt.Usage)

	case realtime.EventFunctionCall:
		s.onFunctionCall(ctx, evt.Call)

	case realtime.EventTranscriptUser:
		slog.Debug("bridge: caller transcript",
			"session_id", s.cfg.SessionID, "text", evt.Transcript)

	case realtime.EventTranscriptAgent:
		slog.Debug("bridge: agent transcript",
			"session_id", s.cfg.SessionID, "text", evt.Transcript)

	case realtime.EventError:
		slog.Warn("bridge: upstream error event",
			"session_id", s.cfg.SessionID, "err", evt.Err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordUpstreamError(ctx, "protocol")
		}

	case realtime.EventDisconnected:
		return s.onDisconnected(ctx, evt)
	}
	return "", false
}

// onSessionCreated configures the session on first contact; a changed
// far-side id later means the upstream recreated the session and the full
// configuration is replayed.
func (s *Supervisor) onSessionCreated(farID string) {
	if s.farSessionID != "" && s.farSessionID != farID {
		slog.Info("bridge: upstream session recreated",
			"session_id", s.cfg.SessionID, "far_session_id", farID)
	}
	s.farSessionID = farID

	if err := s.up.UpdateSession(s.sessionConfig()); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Warn("bridge: session configure failed", "session_id", s.cfg.SessionID, "err", err)
	}
	s.everReady = true
	s.setState(StateReady)
	s.touch()
}

// sessionConfig composes the session.update payload: agent instructions with
// the rendered tool-result context appended, plus the advertised tools.
func (s *Supervisor) sessionConfig() realtime.SessionConfig {
	instructions := s.cfg.Agent.Instructions
	if block := s.acc.Render(); block != "" {
		instructions += "\n\n" + block
	}

	tools := make([]realtime.Tool, 0, len(s.cfg.Agent.Tools)+1)
	for _, t := range s.cfg.Agent.Tools {
		tools = append(tools, realtime.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if s.cfg.Agent.TransferQueue != "" {
		tools = append(tools, realtime.Tool{
			Name:        tooling.TransferToolName,
			Description: "Transfer the caller to a human agent when they ask for one or the conversation requires it.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}

	return realtime.SessionConfig{
		Instructions:       instructions,
		Voice:              s.cfg.Agent.Voice,
		Temperature:        s.cfg.Agent.Temperature,
		MaxResponseTokens:  s.cfg.Agent.MaxResponseTokens,
		TranscriptionModel: s.cfg.TranscriptionModel,
		Language:           s.cfg.Agent.Language,
		VADThreshold:       s.cfg.VADThreshold,
		SilenceDurationMS:  s.cfg.SilenceDurationMS,
		Tools:              tools,
	}
}

// onSpeechStarted handles caller speech onset, including barge-in: when the
// model is mid-utterance the response is cancelled, the upstream input
// buffer cleared, and queued outbound audio drained so the caller hears
// silence at once.
func (s *Supervisor) onSpeechStarted() {
	s.touch()
	if s.State() == StateSpeaking {
		slog.Info("bridge: barge-in", "session_id", s.cfg.SessionID)
		if err := s.up.CancelResponse(); err != nil && !errors.Is(err, realtime.ErrClosed) {
			slog.Warn("bridge: cancel response failed", "session_id", s.cfg.SessionID, "err", err)
		}
		if err := s.up.ClearInputAudio(); err != nil && !errors.Is(err, realtime.ErrClosed) {
			slog.Warn("bridge: clear input failed", "session_id", s.cfg.SessionID, "err", err)
		}
		s.out.Drain()
		s.meter.StopAudioOutput()
		s.dropDeltas = true
	}
	if s.State().Active() {
		s.setState(StateListening)
	}
}

// onAudioDelta converts one 24 kHz model chunk to 8 kHz µ-law and hands it
// to the ingress writer. Deltas from a cancelled response are discarded.
func (s *Supervisor) onAudioDelta(pcm24 []byte) {
	if s.dropDeltas || !s.State().Active() {
		return
	}
	s.touch()
	s.meter.StartAudioOutput()
	s.setState(StateSpeaking)

	mulaw := audio.EncodeMulaw(audio.Downsample24to8(pcm24))
	if err := s.out.WriteAudio(mulaw); err != nil {
		slog.Warn("bridge: write caller audio failed", "session_id", s.cfg.SessionID, "err", err)
	}
}

func (s *Supervisor) onResponseDone(ctx context.Context, usage *realtime.Usage) {
	s.touch()
	if usage != nil {
		s.meter.RecordUsage(*usage)
	}
	if !s.responseAt.IsZero() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.TurnDuration.Record(ctx, s.deps.Clock().Sub(s.responseAt).Seconds())
		}
		s.responseAt = time.Time{}
	}
}

// onFunctionCall dispatches one tool call. Calls run serialized in upstream
// order; the loop does not process further events until the result is sent
// back and a new response requested.
func (s *Supervisor) onFunctionCall(ctx context.Context, call *realtime.FunctionCall) {
	if call == nil || !s.State().Active() {
		return
	}
	s.touch()
	s.setState(StateToolRunning)
	defer func() {
		if s.State() == StateToolRunning {
			s.setState(StateReady)
		}
	}()

	sess := tooling.SessionMeta{
		SessionID:    s.cfg.SessionID,
		CallerID:     s.cfg.CallerID,
		TenantID:     s.cfg.TenantID,
		AgentID:      s.cfg.AgentID,
		AsteriskPort: s.cfg.AsteriskPort,
	}

	result, err := s.deps.Dispatcher.Dispatch(ctx, sess, s.cfg.Agent, call.Name, call.Arguments)
	if err != nil {
		// Aborted mid-dispatch; the session is ending and nothing is
		// forwarded to the model.
		slog.Info("bridge: tool dispatch aborted",
			"session_id", s.cfg.SessionID, "tool", call.Name)
		return
	}

	status := "ok"
	if !result.Success {
		status = "error"
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordToolCall(ctx, call.Name, status)
	}
	slog.Info("bridge: tool dispatched",
		"session_id", s.cfg.SessionID, "tool", call.Name, "status", status)

	s.acc.AddToolResult(call.Name, call.Arguments, result.JSON(), result.Success)

	// Re-weave accumulated context into the instructions before the model
	// speaks about the result.
	if err := s.up.UpdateSession(s.sessionConfig()); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Warn("bridge: context update failed", "session_id", s.cfg.SessionID, "err", err)
	}
	if err := s.up.SendToolResult(call.CallID, result.JSON()); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Warn("bridge: send tool result failed", "session_id", s.cfg.SessionID, "err", err)
		return
	}
	if err := s.up.CreateResponse(); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Warn("bridge: create response failed", "session_id", s.cfg.SessionID, "err", err)
	}
}

// onDisconnected attempts exactly one reconnect with the still-valid
// ephemeral secret; anything else terminates the session.
func (s *Supervisor) onDisconnected(ctx context.Context, evt realtime.Event) (string, bool) {
	slog.Warn("bridge: upstream disconnected",
		"session_id", s.cfg.SessionID, "code", evt.Code, "reason", evt.Reason)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordUpstreamError(ctx, "disconnect")
	}

	s.meter.StopAudioInput()
	s.meter.StopAudioOutput()

	if !s.State().Active() || s.reconnected || !s.secret.Valid() {
		return StatusUpstreamLost, true
	}

	up, err := s.deps.Dial(ctx, s.secret)
	if err != nil {
		slog.Error("bridge: reconnect failed", "session_id", s.cfg.SessionID, "err", err)
		return StatusUpstreamLost, true
	}

	slog.Info("bridge: reconnected upstream", "session_id", s.cfg.SessionID)
	s.reconnected = true
	s.up = up
	s.setState(StateConfiguring)
	return "", false
}

// fail publishes call.failed for a session that never reached READY.
func (s *Supervisor) fail(ctx context.Context, status string, cause error) {
	s.setState(StateTerminated)
	event := bus.CallFailedEvent{
		SessionID: s.cfg.SessionID,
		TenantID:  s.cfg.TenantID,
		AgentID:   s.cfg.AgentID,
		Status:    status,
		Reason:    cause.Error(),
		Timestamp: s.deps.Clock().UTC().Format(time.RFC3339),
	}
	if err := s.deps.Events.PublishJSON(ctx, bus.CallChannel, event); err != nil {
		slog.Warn("bridge: call.failed publish failed",
			"session_id", s.cfg.SessionID, "err", err)
	}
}

// finish closes the upstream, settles the meter, and publishes the final
// cost report. A session that never reached READY reports call.failed.
func (s *Supervisor) finish(ctx context.Context, status string) {
	s.setState(StateTerminated)
	if s.up != nil {
		_ = s.up.Close()
	}

	if !s.everReady {
		s.fail(ctx, status, errors.New("session never became ready"))
		return
	}

	report := s.meter.Finish()
	duration := s.deps.Clock().Sub(s.started).Seconds()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordFinalCost(ctx, s.cfg.Agent.Model, report.FinalCost)
		s.deps.Metrics.RecordAudioSeconds(ctx, "in", report.AudioIn.Quantity)
		s.deps.Metrics.RecordAudioSeconds(ctx, "out", report.AudioOut.Quantity)
	}

	event := bus.CallEndedEvent{
		SessionID:       s.cfg.SessionID,
		TenantID:        s.cfg.TenantID,
		AgentID:         s.cfg.AgentID,
		Status:          status,
		DurationSeconds: duration,
		BaseCost:        report.BaseCost,
		FinalCost:       report.FinalCost,
		AudioInSeconds:  report.AudioIn.Quantity,
		AudioOutSeconds: report.AudioOut.Quantity,
		TextInTokens:    int(report.TextIn.Quantity),
		TextOutTokens:   int(report.TextOut.Quantity),
		CachedTokens:    int(report.CachedIn.Quantity),
		Model:           s.cfg.Agent.Model,
		Timestamp:       s.deps.Clock().UTC().Format(time.RFC3339),
	}

	// The cost report must not vanish on a bus hiccup; retry before giving
	// up with a warning.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.deps.Events.PublishJSONRetry(publishCtx, bus.CallChannel, event, endEventAttempts); err != nil {
		slog.Warn("bridge: dropping cost report after retries",
			"session_id", s.cfg.SessionID, "err", err)
	}

	slog.Info("bridge: session ended",
		"session_id", s.cfg.SessionID, "status", status,
		"duration_s", duration, "final_cost", report.FinalCost)
}
