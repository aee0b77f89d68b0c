// Package marker implements the [FACTORY:...] log marker protocol: a
// line-oriented decoder that turns raw agent output into typed events.
// The marker stream is the sole data contract with the external agent
// process; field order and JSON payload shapes are load-bearing.
package marker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/buildfactory/factoryd/internal/model"
)

// Kind identifies the marker event type.
type Kind string

const (
	KindPhaseStart Kind = "phase_start"
	KindPhaseEnd   Kind = "phase_end"
	KindClarify    Kind = "clarify"
	KindError      Kind = "error"
	KindCost       Kind = "cost"
	KindComplete   Kind = "complete"
	KindMalformed  Kind = "malformed"
)

// Event is one decoded marker. Events are ephemeral: the coordinator folds
// them into run state and discards them.
type Event interface {
	Kind() Kind
	// Encode renders the event back to its wire form. Used by tests to
	// verify the decoder round-trips, and by fixtures that synthesize logs.
	Encode() string
}

// PhaseStart announces that the agent began phase Index.
type PhaseStart struct {
	Index int
}

func (e PhaseStart) Kind() Kind     { return KindPhaseStart }
func (e PhaseStart) Encode() string { return fmt.Sprintf("[FACTORY:PHASE:%d:START]", e.Index) }

// PhaseEnd announces that phase Index finished with a quality score.
type PhaseEnd struct {
	Index int
	Score int // clamped to [0,100] by the grammar; out of range is malformed
}

func (e PhaseEnd) Kind() Kind { return KindPhaseEnd }
func (e PhaseEnd) Encode() string {
	return fmt.Sprintf("[FACTORY:PHASE:%d:END:%d]", e.Index, e.Score)
}

// Clarify pauses the run pending a human answer.
type Clarify struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

func (e Clarify) Kind() Kind { return KindClarify }
func (e Clarify) Encode() string {
	payload, _ := json.Marshal(e)
	return fmt.Sprintf("[FACTORY:CLARIFY:%s]", payload)
}

// Error reports a non-fatal agent-side error against the current phase.
type Error struct {
	Message string
}

func (e Error) Kind() Kind     { return KindError }
func (e Error) Encode() string { return fmt.Sprintf("[FACTORY:ERROR:%s]", e.Message) }

// Cost appends one entry to the run's cost ledger.
type Cost struct {
	Amount   float64
	Provider string
}

func (e Cost) Kind() Kind { return KindCost }
func (e Cost) Encode() string {
	return fmt.Sprintf("[FACTORY:COST:%s:%s]", strconv.FormatFloat(e.Amount, 'f', -1, 64), e.Provider)
}

// Complete is the terminal marker of a successful run.
type Complete struct {
	DurationMinutes float64        `json:"duration_minutes"`
	TotalCost       float64        `json:"total_cost"`
	TestResults     map[string]int `json:"test_results,omitempty"`
}

func (e Complete) Kind() Kind { return KindComplete }
func (e Complete) Encode() string {
	payload, _ := json.Marshal(e)
	return fmt.Sprintf("[FACTORY:COMPLETE:%s]", payload)
}

// Malformed carries a line that looked like a marker but failed to decode.
// The coordinator logs and ignores it: the agent cannot resend a marker, so
// one bad line must never corrupt run state.
type Malformed struct {
	Line   string
	Reason string
}

func (e Malformed) Kind() Kind     { return KindMalformed }
func (e Malformed) Encode() string { return e.Line }

const prefix = "[FACTORY:"

// Parse attempts to decode one log line. It returns (nil, false) for
// ordinary process chatter, the vast majority of lines. A recognizable but
// invalid marker yields a Malformed event, never an error: decode failures
// do not propagate past the parser.
func Parse(line string) (Event, bool) {
	start := strings.Index(line, prefix)
	if start < 0 {
		return nil, false
	}
	// JSON payloads may themselves contain ']', so the marker extends to the
	// last closing bracket on the line.
	end := strings.LastIndex(line, "]")
	if end <= start {
		return Malformed{Line: line, Reason: "unterminated marker"}, true
	}
	body := line[start+len(prefix) : end]

	kind, payload, _ := strings.Cut(body, ":")
	switch kind {
	case "PHASE":
		return parsePhase(line, payload)
	case "CLARIFY":
		var c Clarify
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return Malformed{Line: line, Reason: "clarify payload: " + err.Error()}, true
		}
		if c.Question == "" {
			return Malformed{Line: line, Reason: "clarify payload: empty question"}, true
		}
		return c, true
	case "ERROR":
		return Error{Message: payload}, true
	case "COST":
		return parseCost(line, payload)
	case "COMPLETE":
		var c Complete
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return Malformed{Line: line, Reason: "complete payload: " + err.Error()}, true
		}
		return c, true
	default:
		return Malformed{Line: line, Reason: "unknown marker kind " + strconv.Quote(kind)}, true
	}
}

func parsePhase(line, payload string) (Event, bool) {
	parts := strings.Split(payload, ":")
	if len(parts) < 2 {
		return Malformed{Line: line, Reason: "phase marker needs index and action"}, true
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil || index < 0 || index >= model.PhaseCount() {
		return Malformed{Line: line, Reason: "unknown phase index " + strconv.Quote(parts[0])}, true
	}
	switch parts[1] {
	case "START":
		return PhaseStart{Index: index}, true
	case "END":
		if len(parts) < 3 {
			return Malformed{Line: line, Reason: "phase end without score"}, true
		}
		score, err := strconv.Atoi(parts[2])
		if err != nil || score < 0 || score > 100 {
			return Malformed{Line: line, Reason: "score out of range " + strconv.Quote(parts[2])}, true
		}
		return PhaseEnd{Index: index, Score: score}, true
	default:
		return Malformed{Line: line, Reason: "unknown phase action " + strconv.Quote(parts[1])}, true
	}
}

func parseCost(line, payload string) (Event, bool) {
	amountStr, provider, ok := strings.Cut(payload, ":")
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil || amount < 0 {
		return Malformed{Line: line, Reason: "invalid cost amount " + strconv.Quote(amountStr)}, true
	}
	if !ok || provider == "" {
		provider = "unknown"
	}
	return Cost{Amount: amount, Provider: provider}, true
}
