package service

// Decision is the admission outcome for one candidate.
type Decision string

// Admission outcomes. Rejection reasons double as metric labels.
const (
	Accept              Decision = "accept"
	RejectLowConfidence Decision = "low_confidence"
	RejectDuplicate     Decision = "duplicate"
	RejectCapReached    Decision = "cap_reached"
)

// Admission applies the per-run acceptance policy to candidates in fetch
// order. The first candidates to pass win the cap; there is no re-ranking.
// An Admission is owned by a single run and is not safe for concurrent use.
type Admission struct {
	threshold int
	maxTips   int
	accepted  int
}

// NewAdmission creates the policy for one run.
func NewAdmission(threshold, maxTips int) *Admission {
	return &Admission{threshold: threshold, maxTips: maxTips}
}

// MeetsThreshold reports whether confidence clears the run's threshold.
func (a *Admission) MeetsThreshold(confidence int) bool {
	return confidence >= a.threshold
}

// Decide evaluates a candidate: threshold first, then dedup, then the cap.
// It does not count the candidate; call Commit once it is persisted.
func (a *Admission) Decide(confidence int, exists bool) Decision {
	switch {
	case !a.MeetsThreshold(confidence):
		return RejectLowConfidence
	case exists:
		return RejectDuplicate
	case a.accepted >= a.maxTips:
		return RejectCapReached
	default:
		return Accept
	}
}

// Commit counts one persisted tip against the cap.
func (a *Admission) Commit() {
	a.accepted++
}

// Accepted returns the number of committed tips.
func (a *Admission) Accepted() int {
	return a.accepted
}
