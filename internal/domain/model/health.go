package model

import "time"

// HealthReport is the result of probing every dependency the custody
// subsystem needs to serve requests.
type HealthReport struct {
	Status    HealthStatus
	Checks    []HealthCheck
	CheckedAt time.Time
}

// HealthCheck is the outcome of probing a single dependency.
type HealthCheck struct {
	Name     string
	OK       bool
	Error    string
	Duration time.Duration
}
