package model

import "time"

// DiscoveryRunStatus is the lifecycle state of one discoverConnection call.
type DiscoveryRunStatus string

const (
	DiscoveryRunInProgress DiscoveryRunStatus = "in_progress"
	DiscoveryRunCompleted  DiscoveryRunStatus = "completed"
	DiscoveryRunFailed     DiscoveryRunStatus = "failed"
)

// DiscoveryRun is the audit row for one discoverConnection invocation
// (spec §4.8).
type DiscoveryRun struct {
	RunID            RunID
	ConnectionID     ConnectionID
	TenantID         TenantID
	Status           DiscoveryRunStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	DurationMs       int64
	AutomationsFound int
	Errors           []string
	Warnings         []string
}
