// Package schedule starts flow runs on cron expressions. Expressions
// use the standard 5-field form and are evaluated in UTC only; timezone
// prefixes are rejected.
package schedule

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseExpression validates a UTC-only 5-field cron expression.
func ParseExpression(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextRunUTC returns the next fire time after now for the expression.
func NextRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

// StartFunc begins one run of a scheduled flow.
type StartFunc func(flowID string)

// Scheduler fires flow starts on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	start  StartFunc
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // flowID -> entry
}

// New creates a Scheduler that calls start for every due flow.
// A nil logger falls back to slog.Default.
func New(start StartFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(standardCronParser), cron.WithLocation(time.UTC)),
		start:   start,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules a flow. Re-adding a flow replaces its previous schedule.
func (s *Scheduler) Add(flowID, expr string) error {
	if _, err := ParseExpression(expr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[flowID]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(expr, func() {
		s.logger.Info("scheduled run firing", "flow_id", flowID, "cron", expr)
		s.start(flowID)
	})
	if err != nil {
		return fmt.Errorf("schedule flow %s: %w", flowID, err)
	}
	s.entries[flowID] = id
	return nil
}

// Has reports whether a flow currently has a schedule.
func (s *Scheduler) Has(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[flowID]
	return ok
}

// Remove unschedules a flow. Unknown flows are a no-op.
func (s *Scheduler) Remove(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[flowID]; ok {
		s.cron.Remove(id)
		delete(s.entries, flowID)
	}
}

// Run starts the scheduler loop.
func (s *Scheduler) Run() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
