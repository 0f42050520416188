package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates the process cannot serve requests.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	storage Pinger
	bus     Pinger
	index   IndexChecker
}

// New creates a Service. bus can be nil when the process does not consume events.
func New(storage Pinger, bus Pinger, index IndexChecker) *Service {
	return &Service{storage: storage, bus: bus, index: index}
}

// Check runs health checks against all components.
// An index that has not loaded its first snapshot makes the report unhealthy.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	checks["storage"] = ping(ctx, s.storage)
	if s.bus != nil {
		checks["bus"] = ping(ctx, s.bus)
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	if s.index.Ready() {
		checks["index"] = CheckOK
	} else {
		checks["index"] = CheckError
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks}
}

func ping(ctx context.Context, p Pinger) CheckResult {
	if err := p.Ping(ctx); err != nil {
		return CheckError
	}
	return CheckOK
}
