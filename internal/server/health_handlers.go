package server

import (
	"context"
	"sync"
	"time"

	"lectern/internal/models"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

const (
	checkHealthy   = "healthy"
	checkUnhealthy = "unhealthy"
	checkDisabled  = "disabled"
)

// CheckResult is the outcome of one readiness dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// ReadinessReport is the body of the readiness probe.
type ReadinessReport struct {
	Status      string                 `json:"status"`
	Checks      map[string]CheckResult `json:"checks"`
	Calls       models.CallHealth      `json:"calls"`
	Connections int                    `json:"connections"`
	Time        time.Time              `json:"time"`
}

// LivenessCheck reports that the process is serving.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "up", "time": time.Now().UTC()})
}

// ReadinessCheck probes the database, Redis and attachment storage in
// parallel. The database is required. Redis and storage are reported as
// disabled when not configured and only fail readiness when configured
// but unreachable.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	probes := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if s.redis != nil {
		probes["redis"] = func(ctx context.Context) error { return s.redis.Ping(ctx).Err() }
	}
	if s.store != nil {
		probes["storage"] = s.store.Health
	}

	report := ReadinessReport{
		Status: checkHealthy,
		Checks: map[string]CheckResult{
			"redis":   {Status: checkDisabled},
			"storage": {Status: checkDisabled},
		},
		Calls:       s.calls.Health(),
		Connections: s.hub.TotalConnections(),
		Time:        time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, probe := range probes {
		g.Go(func() error {
			start := time.Now()
			err := probe(ctx)
			res := CheckResult{Status: checkHealthy, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = checkUnhealthy, err.Error()
			}
			mu.Lock()
			report.Checks[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := fiber.StatusOK
	for _, res := range report.Checks {
		if res.Status == checkUnhealthy {
			report.Status = checkUnhealthy
			status = fiber.StatusServiceUnavailable
		}
	}
	return c.Status(status).JSON(report)
}
