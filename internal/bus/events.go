package bus

import "encoding/json"

// CallChannel carries transfer requests and call lifecycle events between
// the bridge and its downstream consumers (dialplan glue, cost collectors).
const CallChannel = "aiva_call"

// TransferEvent asks the telephony side to hand the call to a human agent
// queue. Field names are the cross-process contract; do not rename.
type TransferEvent struct {
	SessionID    string `json:"session_id"`
	CallerID     string `json:"caller_id"`
	TenantID     string `json:"tenant_id"`
	AgentID      string `json:"agent_id"`
	AsteriskPort int    `json:"asterisk_port"`

	TransferToAgent bool   `json:"aiva_transfer_to_agent"`
	TransferQueue   string `json:"aiva_transfer_to_agent_queue"`

	// Timestamp is ISO-8601 (RFC 3339).
	Timestamp string `json:"timestamp"`
}

// CallEndedEvent reports a finished call with its billed usage. Collectors
// persist these; the bridge keeps no state of its own.
type CallEndedEvent struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`

	DurationSeconds float64 `json:"duration_seconds"`
	BaseCost        float64 `json:"base_cost"`
	FinalCost       float64 `json:"final_cost"`

	AudioInSeconds  float64 `json:"audio_in_seconds"`
	AudioOutSeconds float64 `json:"audio_out_seconds"`
	TextInTokens    int     `json:"text_in_tokens"`
	TextOutTokens   int     `json:"text_out_tokens"`
	CachedTokens    int     `json:"cached_tokens"`

	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
}

// DecodeTransferEvent parses payload as a [TransferEvent]. It returns false
// for other message shapes on the shared channel (call.ended, call.failed)
// and for transfer events missing a session id.
func DecodeTransferEvent(payload []byte) (TransferEvent, bool) {
	var evt TransferEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return TransferEvent{}, false
	}
	if !evt.TransferToAgent || evt.SessionID == "" {
		return TransferEvent{}, false
	}
	return evt, true
}

// CallFailedEvent reports a call that never reached the ready state.
type CallFailedEvent struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}
