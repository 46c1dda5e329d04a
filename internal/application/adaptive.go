package application

import (
	"time"
)

// BacklogTier classifies the provisioning journal so the reconciler can
// scan more often while attempts need attention.
type BacklogTier int

const (
	// TierClear indicates nothing pending or unresolved. Scans at the base interval.
	TierClear BacklogTier = iota
	// TierWatching indicates pending attempts that may still go stale. Scans at half the base interval.
	TierWatching
	// TierBacklog indicates orphaned, stale or uncommitted attempts. Scans at a quarter of the base interval.
	TierBacklog
)

// minReconcileInterval is the floor for tightened scan intervals.
const minReconcileInterval = 10 * time.Second

// String returns a human-readable name for the backlog tier.
func (t BacklogTier) String() string {
	switch t {
	case TierClear:
		return "clear"
	case TierWatching:
		return "watching"
	case TierBacklog:
		return "backlog"
	default:
		return "unknown"
	}
}

// tierInterval returns the scan interval for tier relative to base.
func tierInterval(tier BacklogTier, base time.Duration) time.Duration {
	var d time.Duration
	switch tier {
	case TierWatching:
		d = base / 2
	case TierBacklog:
		d = base / 4
	default:
		return base
	}
	if d < minReconcileInterval {
		d = min(minReconcileInterval, base)
	}
	return d
}

// classifyBacklog determines the tier from the outcome of a scan.
func classifyBacklog(r ReconcileReport) BacklogTier {
	switch {
	case r.Unresolved > 0 || r.AwaitingCommit > 0:
		return TierBacklog
	case r.Pending > 0:
		return TierWatching
	default:
		return TierClear
	}
}
