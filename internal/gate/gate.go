// Package gate implements the quality-gate policy applied at each phase
// boundary. It is a pure table of (score, attempt count) → decision with no
// I/O and no side effects.
package gate

import "github.com/buildfactory/factoryd/internal/model"

// Decision is the gate outcome for one phase attempt.
type Decision string

const (
	Advance        Decision = "advance"
	RetrySamePhase Decision = "retry_same_phase"
	Escalate       Decision = "escalate"
)

// Engine holds the gate thresholds. Zero values are not usable; construct
// via New.
type Engine struct {
	advanceScore   int
	retryBandScore int
	maxAttempts    int
}

// New builds a gate engine from the configured thresholds.
func New(cfg model.GateConfig) *Engine {
	return &Engine{
		advanceScore:   cfg.AdvanceScore,
		retryBandScore: cfg.RetryBandScore,
		maxAttempts:    cfg.MaxAttempts,
	}
}

// Decide applies the gate to one phase result. score is nil when the phase
// ended without a score marker; that counts as zero and burns an attempt.
// attempts is the 1-based attempt number that produced this score.
//
//   - score >= advance (97): Advance, regardless of attempts.
//   - retry band [90, 97): one retry allowed; a second result in the band
//     escalates.
//   - below the band: retry while attempts < max (3); at max, escalate.
func (e *Engine) Decide(score *int, attempts int) Decision {
	s := 0
	if score != nil {
		s = *score
	}

	switch {
	case s >= e.advanceScore:
		return Advance
	case s >= e.retryBandScore:
		if attempts <= 1 {
			return RetrySamePhase
		}
		return Escalate
	default:
		if attempts < e.maxAttempts {
			return RetrySamePhase
		}
		return Escalate
	}
}
