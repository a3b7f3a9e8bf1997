package realtime

// EventType discriminates the tagged-variant [Event] values emitted by a
// [Client]. Events mirror the upstream wire protocol but are pre-decoded:
// audio payloads arrive as raw PCM bytes, usage counters as integers.
type EventType string

const (
	// EventSessionCreated carries the far-side session id. A second
	// occurrence with a changed id indicates the upstream recreated the
	// session (reconnection).
	EventSessionCreated EventType = "session.created"

	// EventSessionUpdated acknowledges a session.update command.
	EventSessionUpdated EventType = "session.updated"

	// EventSpeechStarted signals server-side VAD detected caller speech.
	EventSpeechStarted EventType = "speech.started"

	// EventSpeechStopped signals server-side VAD detected end of caller speech.
	EventSpeechStopped EventType = "speech.stopped"

	// EventAudioDelta carries a chunk of 24 kHz PCM16 model audio.
	EventAudioDelta EventType = "audio.delta"

	// EventAudioDone signals the model finished speaking for this response.
	EventAudioDone EventType = "audio.done"

	// EventTranscriptUser carries the completed transcription of caller audio.
	EventTranscriptUser EventType = "transcript.user"

	// EventTranscriptAgentDelta carries an incremental piece of the model's
	// spoken-output transcript.
	EventTranscriptAgentDelta EventType = "transcript.agent.delta"

	// EventTranscriptAgent carries the full transcript of a finished model turn.
	EventTranscriptAgent EventType = "transcript.agent"

	// EventResponseCreated signals the model began generating a response.
	EventResponseCreated EventType = "response.created"

	// EventResponseDone signals the response finished; Usage is populated.
	EventResponseDone EventType = "response.done"

	// EventFunctionCall asks the bridge to execute a tool; Call is populated.
	EventFunctionCall EventType = "function.call"

	// EventError carries a server-reported error; Err is populated.
	EventError EventType = "error"

	// EventDisconnected is the terminal event: the socket closed. Code and
	// Reason describe the close frame. The event channel is closed after it.
	EventDisconnected EventType = "disconnected"
)

// FunctionCall describes a tool invocation requested by the model. Arguments
// is the JSON-encoded argument object exactly as received.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}

// Usage holds the token counters reported on response.done. TextInTokens and
// TextOutTokens are derived by the meter as total minus audio per direction.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	InputAudioTokens  int
	InputCachedTokens int
	OutputAudioTokens int
}

// Event is the tagged variant delivered on [Client.Events]. Type selects
// which payload fields are meaningful; all others are zero.
type Event struct {
	Type EventType

	// SessionID is set for EventSessionCreated.
	SessionID string

	// Audio is decoded PCM16 at 24 kHz, set for EventAudioDelta.
	Audio []byte

	// Transcript is set for the transcript event kinds.
	Transcript string

	// Usage is set for EventResponseDone when the server reported usage.
	Usage *Usage

	// Call is set for EventFunctionCall.
	Call *FunctionCall

	// Err is set for EventError.
	Err error

	// Code and Reason are set for EventDisconnected.
	Code   int
	Reason string
}

// ── Wire envelopes ────────────────────────────────────────────────────────────

// serverEvent is the superset decode target for inbound frames. Only the
// fields relevant to the frame's type are populated; unknown types are
// silently dropped for forward compatibility.
type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// session.created / session.updated
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.done
	Response *struct {
		Usage *wireUsage `json:"usage,omitempty"`
	} `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type wireUsage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	InputTokenDetails struct {
		AudioTokens  int `json:"audio_tokens"`
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_token_details"`
	OutputTokenDetails struct {
		AudioTokens int `json:"audio_tokens"`
	} `json:"output_token_details"`
}

// serverErrorDetail is the nested error object of an upstream error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Outbound message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
	Tools                   []wireTool     `json:"tools,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

type transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
