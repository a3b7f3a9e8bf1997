// Package meter implements per-session usage accounting for the voice
// bridge: wall-clock speech spans for both audio directions, token counters
// absorbed from upstream usage reports, and cost computation against a
// per-model rate card with a configurable profit margin.
//
// A Meter is owned by exactly one session supervisor and is not safe for
// concurrent use. Billing uses wall-clock spans as the canonical audio
// seconds; seconds derived from audio-token counts are kept as a cross-check
// only.
package meter

import (
	"time"

	"github.com/aivalabs/voicebridge/pkg/realtime"
)

// audioTokensPerSecond converts audio-token counts to seconds: the upstream
// tokeniser emits one audio token per 20 ms frame.
const audioTokensPerSecond = 50

// Option is a functional option for configuring a [Meter].
type Option func(*Meter)

// WithClock overrides the time source. Used in tests to make span arithmetic
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// Meter accumulates usage for one session. Spans are open/close bracketed:
// a direction's span is open iff its start timestamp is non-zero, opening an
// open span is a no-op, and closing a closed span is a no-op.
type Meter struct {
	sessionID string
	model     string
	rates     ModelRates
	margin    float64

	startedAt time.Time

	audioInSeconds  float64
	audioOutSeconds float64
	textInTokens    int
	textOutTokens   int
	cachedTokens    int

	// Token-derived audio seconds, kept as a billing cross-check.
	tokenAudioInSeconds  float64
	tokenAudioOutSeconds float64

	inputStart  time.Time
	outputStart time.Time

	now func() time.Time
}

// New creates a Meter for one session. margin is a fraction (0.20 means a
// 20% markup). An [*ErrUnknownModel] is returned when the rate card has no
// entry for model, which callers must treat as fatal to session setup.
func New(sessionID, model string, card RateCard, margin float64, opts ...Option) (*Meter, error) {
	rates, err := card.Lookup(model)
	if err != nil {
		return nil, err
	}
	m := &Meter{
		sessionID: sessionID,
		model:     model,
		rates:     rates,
		margin:    margin,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.startedAt = m.now()
	return m, nil
}

// StartAudioInput opens the caller-speech span. No-op when already open.
func (m *Meter) StartAudioInput() {
	if m.inputStart.IsZero() {
		m.inputStart = m.now()
	}
}

// StopAudioInput closes the caller-speech span, accumulating its duration.
// No-op when no span is open.
func (m *Meter) StopAudioInput() {
	if m.inputStart.IsZero() {
		return
	}
	m.audioInSeconds += m.now().Sub(m.inputStart).Seconds()
	m.inputStart = time.Time{}
}

// StartAudioOutput opens the model-speech span. No-op when already open.
func (m *Meter) StartAudioOutput() {
	if m.outputStart.IsZero() {
		m.outputStart = m.now()
	}
}

// StopAudioOutput closes the model-speech span, accumulating its duration.
// No-op when no span is open.
func (m *Meter) StopAudioOutput() {
	if m.outputStart.IsZero() {
		return
	}
	m.audioOutSeconds += m.now().Sub(m.outputStart).Seconds()
	m.outputStart = time.Time{}
}

// InputSpanOpen reports whether a caller-speech span is currently open.
func (m *Meter) InputSpanOpen() bool { return !m.inputStart.IsZero() }

// OutputSpanOpen reports whether a model-speech span is currently open.
func (m *Meter) OutputSpanOpen() bool { return !m.outputStart.IsZero() }

// RecordUsage absorbs one upstream usage report. Text tokens are the total
// minus the audio tokens per direction; cached tokens are tracked on their
// own axis and audio-token counts feed the cross-check seconds.
func (m *Meter) RecordUsage(u realtime.Usage) {
	textIn := u.InputTokens - u.InputAudioTokens
	if textIn > 0 {
		m.textInTokens += textIn
	}
	textOut := u.OutputTokens - u.OutputAudioTokens
	if textOut > 0 {
		m.textOutTokens += textOut
	}
	m.cachedTokens += u.InputCachedTokens

	m.tokenAudioInSeconds += float64(u.InputAudioTokens) / audioTokensPerSecond
	m.tokenAudioOutSeconds += float64(u.OutputAudioTokens) / audioTokensPerSecond
}

// AudioInSeconds returns the accumulated caller-speech seconds.
func (m *Meter) AudioInSeconds() float64 { return m.audioInSeconds }

// AudioOutSeconds returns the accumulated model-speech seconds.
func (m *Meter) AudioOutSeconds() float64 { return m.audioOutSeconds }

// Report computes the cost report from the current accumulators. Open spans
// are not closed; call [Meter.Finish] at end of session instead.
func (m *Meter) Report() Report {
	duration := m.now().Sub(m.startedAt)

	axes := struct {
		audioIn, audioOut, textIn, textOut, cached Axis
	}{
		audioIn:  newAxis(m.audioInSeconds, m.rates.AudioInPerSecond),
		audioOut: newAxis(m.audioOutSeconds, m.rates.AudioOutPerSecond),
		textIn:   newAxis(float64(m.textInTokens), m.rates.TextInPerToken),
		textOut:  newAxis(float64(m.textOutTokens), m.rates.TextOutPerToken),
		cached:   newAxis(float64(m.cachedTokens), m.rates.CachedInPerToken),
	}

	base := axes.audioIn.Cost + axes.audioOut.Cost + axes.textIn.Cost + axes.textOut.Cost + axes.cached.Cost
	marginAmount := base * m.margin
	final := base + marginAmount

	r := Report{
		SessionID:    m.sessionID,
		Model:        m.model,
		Duration:     duration,
		AudioIn:      axes.audioIn,
		AudioOut:     axes.audioOut,
		TextIn:       axes.textIn,
		TextOut:      axes.textOut,
		CachedIn:     axes.cached,
		BaseCost:     base,
		MarginAmount: marginAmount,
		FinalCost:    final,

		TokenAudioInSeconds:  m.tokenAudioInSeconds,
		TokenAudioOutSeconds: m.tokenAudioOutSeconds,
	}
	if secs := duration.Seconds(); secs > 0 {
		r.CostPerMinute = final / secs * 60
		r.CostPerHour = final / secs * 3600
	}
	return r
}

// Finish closes any open spans and returns the final report. The meter must
// not be used afterwards.
func (m *Meter) Finish() Report {
	m.StopAudioInput()
	m.StopAudioOutput()
	return m.Report()
}

// TextInTokens returns the accumulated non-audio input tokens.
func (m *Meter) TextInTokens() int { return m.textInTokens }

// TextOutTokens returns the accumulated non-audio output tokens.
func (m *Meter) TextOutTokens() int { return m.textOutTokens }

// CachedTokens returns the accumulated cached input tokens.
func (m *Meter) CachedTokens() int { return m.cachedTokens }

// Axis is one billing dimension of a [Report].
type Axis struct {
	// Quantity is seconds for the audio axes, tokens for the text axes.
	Quantity float64 `json:"quantity"`
	UnitRate float64 `json:"unit_rate"`
	Cost     float64 `json:"cost"`
}

func newAxis(quantity, rate float64) Axis {
	return Axis{Quantity: quantity, UnitRate: rate, Cost: quantity * rate}
}

// Report is the structured cost breakdown for one session.
type Report struct {
	SessionID string        `json:"session_id"`
	Model     string        `json:"model"`
	Duration  time.Duration `json:"duration"`

	AudioIn  Axis `json:"audio_in"`
	AudioOut Axis `json:"audio_out"`
	TextIn   Axis `json:"text_in"`
	TextOut  Axis `json:"text_out"`
	CachedIn Axis `json:"cached_in"`

	BaseCost     float64 `json:"base_cost"`
	MarginAmount float64 `json:"margin_amount"`
	FinalCost    float64 `json:"final_cost"`

	CostPerMinute float64 `json:"cost_per_minute"`
	CostPerHour   float64 `json:"cost_per_hour"`

	// Token-derived audio seconds diverge from wall-clock spans under
	// network jitter; they are reported for reconciliation, never billed.
	TokenAudioInSeconds  float64 `json:"token_audio_in_seconds"`
	TokenAudioOutSeconds float64 `json:"token_audio_out_seconds"`
}
