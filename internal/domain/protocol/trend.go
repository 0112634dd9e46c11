package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/agent"
	"github.com/careagent/pregnancy/internal/platform/notification"
)

// TrendStartWeek is the first gestational week measurements are compared.
const TrendStartWeek = 14

const (
	trendWindowFrom = 11 * 24 * time.Hour
	trendWindowTo   = 4 * 24 * time.Hour
)

// RecordSource reads stored measurements.
type RecordSource interface {
	GetRecords(ctx context.Context, contractID int64, q agent.RecordQuery) ([]agent.Record, agent.Result)
}

// AlertSender delivers a trend alert to the doctor.
type AlertSender interface {
	TrendAlert(ctx context.Context, contractID int64, templateID string, last, mean, delta float64) error
}

type trendRule struct {
	category string
	template string
	alert    func(delta float64) bool
}

var trendRules = []trendRule{
	// weight gain of a unit or more over the trailing mean
	{category: "weight", template: notification.TplTrendWeight, alert: func(d float64) bool { return d >= 1 }},
	// waist growth of at most one unit
	{category: "waist_circumference", template: notification.TplTrendWaist, alert: func(d float64) bool { return d <= 1 }},
}

// TrendCalls is the most agent calls one trend check makes: two record
// queries and an alert per rule.
func TrendCalls() int { return 3 * len(trendRules) }

// TrendMonitor compares each fresh measurement with the mean of a trailing
// week that ends four days ago, and alerts the doctor on unexpected changes.
// Each reading alerts at most once.
type TrendMonitor struct {
	records   RecordSource
	alerts    AlertSender
	freshness time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	alerted map[string]time.Time
}

func NewTrendMonitor(records RecordSource, alerts AlertSender, freshness time.Duration, logger zerolog.Logger) *TrendMonitor {
	return &TrendMonitor{
		records:   records,
		alerts:    alerts,
		freshness: freshness,
		logger:    logger,
		alerted:   make(map[string]time.Time),
	}
}

// Check runs every trend rule for c and returns the number of alerts sent.
// Missing data and agent failures skip the rule.
func (m *TrendMonitor) Check(ctx context.Context, c *contract.Contract, now time.Time) int {
	week, ok := c.CurrentWeek(now)
	if !ok || week < TrendStartWeek || c.IsBorn {
		return 0
	}
	m.prune(now)

	sent := 0
	for _, rule := range trendRules {
		if m.checkRule(ctx, c.ID, rule, now) {
			sent++
		}
	}
	return sent
}

func (m *TrendMonitor) checkRule(ctx context.Context, contractID int64, rule trendRule, now time.Time) bool {
	log := m.logger.With().Int64("contract_id", contractID).Str("category", rule.category).Logger()

	fresh, res := m.records.GetRecords(ctx, contractID, agent.RecordQuery{
		Category: rule.category,
		From:     now.Add(-m.freshness),
		Limit:    1,
	})
	if !res.OK() {
		log.Debug().Err(res.Err).Msg("latest measurement unavailable")
		return false
	}
	if len(fresh) == 0 {
		return false
	}
	last := latest(fresh)

	trailing, res := m.records.GetRecords(ctx, contractID, agent.RecordQuery{
		Category: rule.category,
		From:     now.Add(-trendWindowFrom),
		To:       now.Add(-trendWindowTo),
	})
	if !res.OK() {
		log.Debug().Err(res.Err).Msg("trailing measurements unavailable")
		return false
	}
	if len(trailing) == 0 {
		return false
	}

	mean := meanValue(trailing)
	delta := last.Value - mean
	if !rule.alert(delta) {
		return false
	}

	key := fmt.Sprintf("%d:%s:%d", contractID, rule.category, last.Timestamp.UnixNano())
	if !m.markAlerted(key, last.Timestamp) {
		return false
	}

	if err := m.alerts.TrendAlert(ctx, contractID, rule.template, last.Value, mean, delta); err != nil {
		log.Error().Err(err).Msg("trend alert failed")
		m.unmark(key)
		return false
	}
	log.Info().Float64("last", last.Value).Float64("mean", mean).Float64("delta", delta).Msg("trend alert sent")
	return true
}

func (m *TrendMonitor) markAlerted(key string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.alerted[key]; dup {
		return false
	}
	m.alerted[key] = at
	return true
}

func (m *TrendMonitor) unmark(key string) {
	m.mu.Lock()
	delete(m.alerted, key)
	m.mu.Unlock()
}

// prune forgets readings too old to be fetched as fresh again.
func (m *TrendMonitor) prune(now time.Time) {
	cutoff := now.Add(-2 * m.freshness)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, at := range m.alerted {
		if at.Before(cutoff) {
			delete(m.alerted, key)
		}
	}
}

func latest(records []agent.Record) agent.Record {
	out := records[0]
	for _, r := range records[1:] {
		if r.Timestamp.After(out.Timestamp) {
			out = r
		}
	}
	return out
}

func meanValue(records []agent.Record) float64 {
	var sum float64
	for _, r := range records {
		sum += r.Value
	}
	return sum / float64(len(records))
}
