// Package callctx keeps an in-session memory of tool outcomes so that later
// turns reflect prior tool actions without relying on the model's own
// memory. It holds a bounded ring of raw results plus a structured summary
// keyed by well-known tool names; the supervisor renders the summary into a
// context block and injects it back into the conversation.
//
// An Accumulator is owned by one session supervisor and is not safe for
// concurrent use.
package callctx

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 10

// Context block delimiters recognised by downstream prompt consumers.
const (
	blockHeader = "--- CURRENT CONVERSATION CONTEXT ---"
	blockFooter = "--- END CONTEXT ---"
)

// Slot identifies a well-known summary position. Each slot holds only the
// most recent successful result of its associated tools.
type Slot string

const (
	SlotCustomer      Slot = "customer"
	SlotLastBalance   Slot = "last_balance"
	SlotVerification  Slot = "verification"
	SlotScheduledDemo Slot = "scheduled_demo"
)

// slotOrder fixes the rendering order of populated slots.
var slotOrder = []Slot{SlotCustomer, SlotLastBalance, SlotVerification, SlotScheduledDemo}

// slotLabels maps each slot to its rendered line label.
var slotLabels = map[Slot]string{
	SlotCustomer:      "Customer",
	SlotLastBalance:   "Last balance",
	SlotVerification:  "Verification",
	SlotScheduledDemo: "Scheduled demo",
}

// slotForTool maps recognised tool names onto summary slots. Tools not
// listed here contribute to the ring only.
var slotForTool = map[string]Slot{
	"lookup_customer": SlotCustomer,
	"get_customer":    SlotCustomer,
	"check_balance":   SlotLastBalance,
	"verify_identity": SlotVerification,
	"schedule_demo":   SlotScheduledDemo,
}

// ToolResult is one remembered tool outcome.
type ToolResult struct {
	Tool      string
	Arguments string
	Result    string
	Success   bool
	Timestamp time.Time
}

// Option is a functional option for configuring an [Accumulator].
type Option func(*Accumulator)

// WithCapacity overrides the ring capacity. Values below one fall back to
// [DefaultCapacity].
func WithCapacity(n int) Option {
	return func(a *Accumulator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// Accumulator is the per-session tool-result memory.
type Accumulator struct {
	capacity int
	ring     []ToolResult
	summary  map[Slot]string
	now      func() time.Time
}

// New creates an empty Accumulator.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		capacity: DefaultCapacity,
		summary:  make(map[Slot]string),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AddToolResult appends one outcome to the ring, evicting the oldest entry
// on overflow. Successful results of recognised tools overwrite their
// summary slot; failed results enter the ring but never the summary.
func (a *Accumulator) AddToolResult(tool, arguments, result string, success bool) {
	a.ring = append(a.ring, ToolResult{
		Tool:      tool,
		Arguments: arguments,
		Result:    result,
		Success:   success,
		Timestamp: a.now(),
	})
	if len(a.ring) > a.capacity {
		a.ring = a.ring[len(a.ring)-a.capacity:]
	}

	if !success {
		return
	}
	if slot, ok := slotForTool[tool]; ok {
		a.summary[slot] = result
	}
}

// Results returns the remembered outcomes, oldest first. The returned slice
// is a copy.
func (a *Accumulator) Results() []ToolResult {
	out := make([]ToolResult, len(a.ring))
	copy(out, a.ring)
	return out
}

// Len returns the number of remembered outcomes.
func (a *Accumulator) Len() int { return len(a.ring) }

// Render emits the delimited context block listing each populated summary
// slot on its own line. It returns the empty string when no results have
// been recorded, so callers can skip the injection entirely.
func (a *Accumulator) Render() string {
	if len(a.ring) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(blockHeader)
	for _, slot := range slotOrder {
		value, ok := a.summary[slot]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n%s: %s", slotLabels[slot], value)
	}
	sb.WriteString("\n")
	sb.WriteString(blockFooter)
	return sb.String()
}
