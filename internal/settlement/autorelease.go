package settlement

import "time"

// DefaultAutoReleaseAfter is how long a brand has to review a submission.
const DefaultAutoReleaseAfter = 7 * 24 * time.Hour

// AutoReleasePolicy decides which submitted milestones the brand has left
// unreviewed for too long. It only selects; the scheduler releases them by
// calling ApproveMilestone as SystemActor.
type AutoReleasePolicy struct {
	Threshold time.Duration
}

// Eligible reports whether c should be approved automatically at now.
func (p AutoReleasePolicy) Eligible(c ReleaseCandidate, now time.Time) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultAutoReleaseAfter
	}
	if c.State != MilestoneSubmitted || c.DealState != DealFunded || c.HasOpenDispute {
		return false
	}
	if c.SubmittedAt == nil {
		return false
	}
	return now.Sub(*c.SubmittedAt) > threshold
}

// Filter returns the eligible candidates, preserving order.
func (p AutoReleasePolicy) Filter(candidates []ReleaseCandidate, now time.Time) []ReleaseCandidate {
	var out []ReleaseCandidate
	for _, c := range candidates {
		if p.Eligible(c, now) {
			out = append(out, c)
		}
	}
	return out
}

// Cutoff is the submission time before which a milestone may qualify.
func (p AutoReleasePolicy) Cutoff(now time.Time) time.Time {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultAutoReleaseAfter
	}
	return now.Add(-threshold)
}
