package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"spsh/backend/internal/domain"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is a triggered rule.
type Alert struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"ruleId"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule is evaluated on every check. Condition returns the alert message
// when the rule fires and "" otherwise.
type AlertRule struct {
	ID        string
	Name      string
	Condition func(ctx context.Context) string
	Level     AlertLevel
	Component string
	Cooldown  time.Duration

	lastTriggered time.Time
}

// AlertReceiver delivers alerts.
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager evaluates rules and keeps one open alert per rule.
type AlertManager struct {
	mu        sync.RWMutex
	alerts    map[string]*Alert // ruleID -> latest alert
	rules     []*AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager creates an AlertManager.
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger.Named("alerts"),
		now:    time.Now,
	}
}

// AddReceiver registers a receiver.
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule registers a rule.
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	r := rule
	am.rules = append(am.rules, &r)
}

// GetActiveAlerts returns the unresolved alerts.
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()
	out := make([]Alert, 0)
	for _, a := range am.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// CheckRules evaluates every rule once. A rule that no longer fires resolves its alert.
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := make([]*AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		message := rule.Condition(ctx)
		if message == "" {
			am.resolve(rule.ID)
			continue
		}
		now := am.now()
		am.mu.Lock()
		if now.Sub(rule.lastTriggered) < rule.Cooldown {
			am.mu.Unlock()
			continue
		}
		if existing, ok := am.alerts[rule.ID]; ok && !existing.Resolved {
			am.mu.Unlock()
			continue
		}
		rule.lastTriggered = now
		alert := &Alert{
			ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
			RuleID:    rule.ID,
			Title:     rule.Name,
			Message:   message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		}
		am.alerts[rule.ID] = alert
		receivers := append([]AlertReceiver(nil), am.receivers...)
		am.mu.Unlock()

		for _, receiver := range receivers {
			if err := receiver.SendAlert(alert); err != nil {
				am.logger.Error("failed to send alert", zap.String("alertId", alert.ID), zap.Error(err))
			}
		}
	}
}

func (am *AlertManager) resolve(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if a, ok := am.alerts[ruleID]; ok && !a.Resolved {
		now := am.now()
		a.Resolved = true
		a.ResolvedAt = &now
		am.logger.Info("alert resolved", zap.String("alertId", a.ID))
	}
}

// StartMonitoring checks the rules every interval until ctx is done.
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== rules ==========

// StatusCounter counts stored addresses per status.
type StatusCounter interface {
	CountEmailAddressesByStatus(ctx context.Context) (map[domain.EmailAddressStatus]int, error)
}

// Pinger checks a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FailedAddressesRule fires when more than threshold addresses are FAILED.
func FailedAddressesRule(counter StatusCounter, threshold int) AlertRule {
	return AlertRule{
		ID:   "failed_email_addresses",
		Name: "Failed E-Mail Addresses",
		Condition: func(ctx context.Context) string {
			counts, err := counter.CountEmailAddressesByStatus(ctx)
			if err != nil {
				return ""
			}
			if n := counts[domain.EmailAddressStatusFailed]; n > threshold {
				return fmt.Sprintf("%d e-mail addresses are FAILED (threshold %d)", n, threshold)
			}
			return ""
		},
		Level:     AlertLevelWarning,
		Component: "provisioning",
		Cooldown:  15 * time.Minute,
	}
}

// DatabaseConnectionRule fires when the database does not answer a ping.
func DatabaseConnectionRule(db Pinger) AlertRule {
	return AlertRule{
		ID:   "database_connection",
		Name: "Database Connection",
		Condition: func(ctx context.Context) string {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				return "database ping failed: " + err.Error()
			}
			return ""
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// HighMemoryUsageRule fires when the heap exceeds thresholdMB.
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func(context.Context) string {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if mb := float64(m.Alloc) / 1024 / 1024; mb > thresholdMB {
				return fmt.Sprintf("memory usage %.0f MB exceeds %.0f MB", mb, thresholdMB)
			}
			return ""
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Cooldown:  5 * time.Minute,
	}
}

// ========== receivers ==========

// LogAlertReceiver writes alerts to the log.
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver creates a LogAlertReceiver.
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert logs the alert at a level matching its severity.
func (r *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alertId", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		r.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		r.logger.Warn("WARNING ALERT", fields...)
	default:
		r.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
