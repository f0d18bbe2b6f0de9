package gate

import (
	"overseer/internal/domain"
	"overseer/internal/id"
)

// ApplyEscalation promotes a classified result to Escalated when the
// outcome is Failed or Timeout and the attempt has exhausted retries,
// per §4.5.
func ApplyEscalation(result domain.GateResult, maxRetries int) domain.GateResult {
	if (result.Status == domain.GateResultFailed || result.Status == domain.GateResultTimeout) && result.Attempt >= maxRetries {
		result.Status = domain.GateResultEscalated
	}
	return result
}

// LatestPerGate reduces a slice of results to the latest attempt per
// gate_id (highest attempt, then latest started_at), per §4.5.
func LatestPerGate(results []domain.GateResult) map[id.ID]domain.GateResult {
	latest := make(map[id.ID]domain.GateResult)
	for _, r := range results {
		cur, ok := latest[r.GateID]
		if !ok {
			latest[r.GateID] = r
			continue
		}
		if r.Attempt > cur.Attempt || (r.Attempt == cur.Attempt && r.StartedAt.After(cur.StartedAt)) {
			latest[r.GateID] = r
		}
	}
	return latest
}

// Aggregate decides the review status for the effective gate set,
// per §4.5. The "attempt >= max_retries" check reads each gate's current
// MaxRetries from effectiveGates, so a later max_retries edit applies to
// results recorded before it.
func Aggregate(effectiveGates []domain.Gate, latest map[id.ID]domain.GateResult) domain.ReviewStatus {
	anyPending := false
	anyEscalated := false
	anyRetryableFailure := false

	for _, g := range effectiveGates {
		result, ok := latest[g.ID]
		if !ok {
			anyPending = true
			continue
		}
		switch result.Status {
		case domain.GateResultPassed:
			// contributes nothing
		case domain.GateResultPending, domain.GateResultRunning:
			anyPending = true
		case domain.GateResultEscalated:
			anyEscalated = true
		case domain.GateResultFailed, domain.GateResultTimeout:
			if result.Attempt >= g.MaxRetries {
				anyEscalated = true
			} else {
				anyRetryableFailure = true
			}
		}
	}

	switch {
	case anyEscalated:
		return domain.ReviewGatesEscalated
	case anyPending || anyRetryableFailure:
		return domain.ReviewGatesPending
	default:
		return domain.ReviewAgentPending
	}
}
