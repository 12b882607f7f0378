package dispatch

import (
	"context"
	"time"

	"github.com/aquamarinepk/aqm"
)

// DefaultSweepInterval is how often the sweeper scans for stale orders.
const DefaultSweepInterval = 15 * time.Second

// Sweeper cancels unpaid orders past the expiry deadline. The deadline
// decision is made server-side against created_at; client countdowns are
// a UX aid and never trigger mutations. Each cancellation is a
// compare-and-set on pending, so a payment confirmation landing
// concurrently wins if it commits first.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   aqm.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(service *Service, interval time.Duration, logger aqm.Logger) *Sweeper {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop (aqm lifecycle).
func (s *Sweeper) Start(ctx context.Context) error {
	go s.run()
	s.logger.Infof("Expiry sweeper started (deadline %s, interval %s)", s.service.deadline, s.interval)
	return nil
}

// Stop terminates the sweep loop and waits for the in-flight pass.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Expiry sweeper stopped")
	return nil
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorf("sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// Sweep runs one pass: cancel every order still pending whose deadline
// has passed, and emit audit records and fan-out events for each.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.service.now().Add(-s.service.deadline)

	cancelled, err := s.service.orders.CancelExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, o := range cancelled {
		s.service.recordTransition(ctx, o, StatusPending, SystemActor)
		s.service.publishStatusChange(ctx, o, StatusPending, SystemActor)
	}

	if len(cancelled) > 0 {
		s.logger.Infof("sweep cancelled %d expired orders", len(cancelled))
	}
	return len(cancelled), nil
}
