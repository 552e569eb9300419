package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is a long-running unit managed by Runtime.Run.
type Service interface {
	Name() string
	// Run blocks until ctx is done or the service fails.
	Run(ctx context.Context) error
	Health() health.Status
}

// Info holds runtime information for a service
type Info struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
}

// BaseService tracks the lifecycle state shared by all services.
type BaseService struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	lastErr   atomic.Pointer[error]
}

// NewBaseService creates a stopped service. registry may be nil.
func NewBaseService(name string, logger *slog.Logger, registry *metric.MetricsRegistry) *BaseService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BaseService{
		name:   name,
		logger: logger.With("service", name),
	}
	if registry != nil {
		s.metrics = registry.CoreMetrics()
	}
	s.startTime.Store(time.Time{})
	s.setStatus(StatusStopped)
	return s
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Logger returns the service logger.
func (s *BaseService) Logger() *slog.Logger {
	return s.logger
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

func (s *BaseService) setStatus(st Status) {
	s.status.Store(st)
	if st == StatusRunning {
		s.startTime.Store(time.Now())
	}
	if s.metrics != nil {
		s.metrics.RecordServiceStatus(s.name, int(st))
	}
}

// Info returns a snapshot of the lifecycle state.
func (s *BaseService) Info() Info {
	start := s.startTime.Load().(time.Time)
	var uptime time.Duration
	if !start.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(start)
	}
	return Info{
		Name:      s.name,
		Status:    s.Status().String(),
		Uptime:    uptime,
		StartTime: start,
	}
}

// Health reports health from the lifecycle state alone. Services refine it
// with their own conditions.
func (s *BaseService) Health() health.Status {
	switch st := s.Status(); st {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		if err := s.Err(); err != nil {
			return health.FromError(s.name, err, false)
		}
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", st))
	}
}

// Err returns the error that ended the last run, or nil.
func (s *BaseService) Err() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// fail records err as the reason the last run ended.
func (s *BaseService) fail(err error) error {
	s.lastErr.Store(&err)
	s.recordError(errors.Classify(err).String())
	return err
}

// recordError counts err by class in the core metrics.
func (s *BaseService) recordError(class string) {
	if s.metrics != nil {
		s.metrics.RecordError(s.name, class)
	}
}
