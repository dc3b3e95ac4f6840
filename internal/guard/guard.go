// Package guard watches per-sandbox spend over a sliding window and
// raises budget alerts. A warning fires at a percentage of the threshold,
// a critical alert at the threshold itself; critical alerts can pause the
// sandbox. Alerts are published as events so any subscriber can act on
// them, and repeats for an unchanged level are suppressed for a cooldown
// period.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/lifecycle"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/schema"
)

// TopicBudget is the topic budget alerts are published on.
const TopicBudget = "sandbox.budget_exceeded"

// producerID identifies the guard as event producer.
const producerID = "budget-guard"

// Level is the severity of a budget alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Config configures the budget guard.
type Config struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	CostThresholdUSD float64       `yaml:"costThresholdUSD" json:"costThresholdUSD"` // Critical threshold. Default 5.
	WarningPercent   float64       `yaml:"warningPercent" json:"warningPercent"`     // Warning at this percent of threshold. Default 70.
	CheckSchedule    string        `yaml:"checkSchedule" json:"checkSchedule"`       // Cron expression for sweeps. Default every 15 minutes.
	WindowHours      int           `yaml:"windowHours" json:"windowHours"`           // Sliding window size. Default 24.
	RealertAfter     time.Duration `yaml:"realertAfter" json:"realertAfter"`         // Suppression period for repeat alerts. Default 6h.
	AutoPause        bool          `yaml:"autoPause" json:"autoPause"`               // Pause the sandbox on a critical alert.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CostThresholdUSD <= 0 {
		out.CostThresholdUSD = 5.0
	}
	if out.WarningPercent <= 0 || out.WarningPercent > 100 {
		out.WarningPercent = 70.0
	}
	if out.CheckSchedule == "" {
		out.CheckSchedule = "*/15 * * * *"
	}
	if out.WindowHours <= 0 {
		out.WindowHours = 24
	}
	if out.RealertAfter <= 0 {
		out.RealertAfter = 6 * time.Hour
	}
	return out
}

// Pauser is the lifecycle contract for auto-pausing over-budget sandboxes.
// Satisfied by *lifecycle.Manager.
type Pauser interface {
	Pause(ctx context.Context, id string) (*domain.Sandbox, error)
}

type spendEntry struct {
	at  time.Time
	usd float64
}

type alertState struct {
	at    time.Time
	level Level
}

// Guard tracks spend and runs the periodic budget sweep.
type Guard struct {
	cfg     Config
	pauser  Pauser
	events  lifecycle.EventPublisher
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	spend   map[string][]spendEntry
	alerted map[string]alertState
}

// New creates a budget guard. pauser, events, and metrics may be nil;
// with a nil pauser AutoPause is a no-op.
func New(cfg Config, pauser Pauser, events lifecycle.EventPublisher, metrics *observability.MetricsCollector, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:     cfg.withDefaults(),
		pauser:  pauser,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		spend:   make(map[string][]spendEntry),
		alerted: make(map[string]alertState),
	}
}

// Record adds spend for a sandbox. Called by the tool runner on each run.
func (g *Guard) Record(sandboxID string, usd float64) {
	if usd <= 0 {
		return
	}
	g.mu.Lock()
	g.spend[sandboxID] = append(g.spend[sandboxID], spendEntry{at: g.now(), usd: usd})
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SpendUSDTotal.WithLabelValues(sandboxID).Add(usd)
	}
}

// WindowSpend returns the sandbox's accumulated spend inside the window.
func (g *Guard) WindowSpend(sandboxID string) float64 {
	cutoff := g.now().Add(-time.Duration(g.cfg.WindowHours) * time.Hour)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(sandboxID, cutoff)
	var total float64
	for _, e := range g.spend[sandboxID] {
		total += e.usd
	}
	return total
}

// prune drops entries older than cutoff. Caller holds g.mu.
func (g *Guard) prune(sandboxID string, cutoff time.Time) {
	entries := g.spend[sandboxID]
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(entries) {
		delete(g.spend, sandboxID)
		return
	}
	g.spend[sandboxID] = append([]spendEntry(nil), entries[i:]...)
}

// Forget drops all tracked state for a retired sandbox.
func (g *Guard) Forget(sandboxID string) {
	g.mu.Lock()
	delete(g.spend, sandboxID)
	delete(g.alerted, sandboxID)
	g.mu.Unlock()
}

// Start schedules the periodic sweep. No-op when the guard is disabled.
func (g *Guard) Start() error {
	if !g.cfg.Enabled {
		return nil
	}
	g.cron = cron.New()
	_, err := g.cron.AddFunc(g.cfg.CheckSchedule, func() {
		g.CheckNow(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling budget sweep %q: %w", g.cfg.CheckSchedule, err)
	}
	g.cron.Start()
	g.logger.Info("budget guard started",
		slog.String("schedule", g.cfg.CheckSchedule),
		slog.Float64("threshold_usd", g.cfg.CostThresholdUSD),
		slog.Int("window_hours", g.cfg.WindowHours),
	)
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (g *Guard) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// CheckNow sweeps all tracked sandboxes once. Exposed for the cron job
// and for on-demand checks.
func (g *Guard) CheckNow(ctx context.Context) {
	warningAt := g.cfg.CostThresholdUSD * g.cfg.WarningPercent / 100
	now := g.now()
	cutoff := now.Add(-time.Duration(g.cfg.WindowHours) * time.Hour)

	type finding struct {
		sandboxID string
		spend     float64
		level     Level
	}
	var findings []finding

	g.mu.Lock()
	for id := range g.spend {
		g.prune(id, cutoff)
		var total float64
		for _, e := range g.spend[id] {
			total += e.usd
		}

		var level Level
		switch {
		case total >= g.cfg.CostThresholdUSD:
			level = LevelCritical
		case total >= warningAt:
			level = LevelWarning
		default:
			continue
		}

		// Suppress repeats at an unchanged level inside the cooldown.
		prev, ok := g.alerted[id]
		if ok && prev.level == level && now.Sub(prev.at) < g.cfg.RealertAfter {
			continue
		}
		g.alerted[id] = alertState{at: now, level: level}
		findings = append(findings, finding{sandboxID: id, spend: total, level: level})
	}
	g.mu.Unlock()

	for _, f := range findings {
		g.alert(ctx, f.sandboxID, f.spend, f.level)
	}
}

func (g *Guard) alert(ctx context.Context, sandboxID string, spend float64, level Level) {
	g.logger.Warn("sandbox over budget",
		slog.String("sandbox_id", sandboxID),
		slog.String("level", string(level)),
		slog.Float64("spend_usd", spend),
		slog.Float64("threshold_usd", g.cfg.CostThresholdUSD),
	)
	if g.metrics != nil {
		g.metrics.GuardAlertsTotal.WithLabelValues(string(level)).Inc()
	}

	if g.events != nil {
		payload, err := json.Marshal(budgetPayload{
			SandboxID:    sandboxID,
			Level:        string(level),
			SpendUSD:     spend,
			ThresholdUSD: g.cfg.CostThresholdUSD,
			WindowHours:  g.cfg.WindowHours,
			OccurredAt:   g.now().UTC().Format(time.RFC3339),
		})
		if err == nil {
			if _, err := g.events.Publish(ctx, TopicBudget, payload, producerID); err != nil {
				g.logger.Error("publishing budget alert",
					slog.String("sandbox_id", sandboxID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if level == LevelCritical && g.cfg.AutoPause && g.pauser != nil {
		if _, err := g.pauser.Pause(ctx, sandboxID); err != nil && !errors.Is(err, lifecycle.ErrAlreadyTerminal) {
			g.logger.Error("auto-pausing over-budget sandbox",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
		} else if err == nil {
			g.logger.Info("sandbox auto-paused over budget", slog.String("sandbox_id", sandboxID))
		}
	}
}

// budgetPayload is the sandbox.budget_exceeded event body.
type budgetPayload struct {
	SandboxID    string  `json:"sandbox_id"`
	Level        string  `json:"level"`
	SpendUSD     float64 `json:"spend_usd"`
	ThresholdUSD float64 `json:"threshold_usd"`
	WindowHours  int     `json:"window_hours"`
	OccurredAt   string  `json:"occurred_at"`
}

// BudgetSchema is the payload contract for TopicBudget, registered with
// the schema registry at startup.
func BudgetSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "sandbox_id", Type: schema.TypeString, Required: true},
		{Name: "level", Type: schema.TypeString, Required: true},
		{Name: "spend_usd", Type: schema.TypeNumber, Required: true},
		{Name: "threshold_usd", Type: schema.TypeNumber, Required: true},
		{Name: "window_hours", Type: schema.TypeInteger, Required: true},
		{Name: "occurred_at", Type: schema.TypeTimestamp, Required: true},
	}}
}
