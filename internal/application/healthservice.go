package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 5 * time.Second

// HealthService probes the dependencies the custody services need. It
// depends only on port interfaces.
type HealthService struct {
	db     driven.Pinger
	ledger driven.Pinger
	keys   driven.KeyGenerator
	logger *slog.Logger
	now    func() time.Time
}

// NewHealthService creates a new HealthService with the required dependencies.
func NewHealthService(db, ledger driven.Pinger, keys driven.KeyGenerator, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		db:     db,
		ledger: ledger,
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// SelfTest proves key generation and signing work. A failure means the
// process must not serve requests.
func (s *HealthService) SelfTest() error {
	if err := s.keys.SelfTest(); err != nil {
		return fmt.Errorf("keypair self-test: %w", err)
	}
	return nil
}

// Check probes every dependency and reports the aggregate status.
func (s *HealthService) Check(ctx context.Context) model.HealthReport {
	checks := []model.HealthCheck{
		s.probe(ctx, "database", s.db.Ping),
		s.probe(ctx, "ledger", s.ledger.Ping),
		s.probe(ctx, "keypair", func(context.Context) error { return s.SelfTest() }),
	}

	status := model.HealthStatusOK
	for _, c := range checks {
		if !c.OK {
			status = model.HealthStatusDegraded
			break
		}
	}

	return model.HealthReport{
		Status:    status,
		Checks:    checks,
		CheckedAt: s.now().UTC(),
	}
}

func (s *HealthService) probe(ctx context.Context, name string, fn func(context.Context) error) model.HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := s.now()
	err := fn(ctx)
	check := model.HealthCheck{
		Name:     name,
		OK:       err == nil,
		Duration: s.now().Sub(start),
	}
	// The report is served unauthenticated; the cause goes to the log only.
	if err != nil {
		s.logger.Warn("health check failed", "check", name, "error", err)
		check.Error = name + " check failed"
	}
	return check
}
