// File: internal/resources/recovery.go

package resources

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StrategyKind selects how a classified error is recovered.
type StrategyKind int

const (
	KindRetry StrategyKind = iota
	KindReconnect
	KindRestart
	KindIgnore
	KindCustom
)

func (k StrategyKind) String() string {
	switch k {
	case KindRetry:
		return "retry"
	case KindReconnect:
		return "reconnect"
	case KindRestart:
		return "restart"
	case KindIgnore:
		return "ignore"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Strategy describes the recovery for one class of errors. Pattern, when
// set, takes precedence over the registration key's substring match.
type Strategy struct {
	Kind        StrategyKind
	MaxAttempts int
	Delay       time.Duration
	Pattern     *regexp.Regexp

	// Handler runs for KindCustom. A nil return means recovered.
	Handler func(ctx context.Context, err error, rc *RecoveryContext) error
}

// RecoveryContext carries the callbacks a strategy drives. Any of them may
// be nil; a strategy whose callback is missing fails that recovery.
type RecoveryContext struct {
	Component string

	// Operation is re-run by retry strategies.
	Operation func(ctx context.Context) error
	// OnReconnect re-establishes the failed connection.
	OnReconnect func(ctx context.Context) error
	// OnRestart restarts the failed component.
	OnRestart func(ctx context.Context) error
}

// RegisterRecoveryStrategy installs or replaces the strategy for an error
// key. Classification matches the strategy's Pattern against the error text
// first, then falls back to a substring match on the key itself.
func (m *Manager) RegisterRecoveryStrategy(errorKey string, s *Strategy) {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	m.mu.Lock()
	m.strategies[errorKey] = s
	m.mu.Unlock()
}

func (m *Manager) registerDefaultStrategies() {
	m.RegisterRecoveryStrategy("timeout", &Strategy{
		Kind: KindRetry, MaxAttempts: 3, Delay: time.Second,
	})
	m.RegisterRecoveryStrategy("connection closed", &Strategy{
		Kind: KindReconnect, MaxAttempts: 2, Delay: 2 * time.Second,
		Pattern: regexp.MustCompile(`connection (closed|reset|refused)`),
	})
	m.RegisterRecoveryStrategy("not attached", &Strategy{
		Kind: KindIgnore,
	})
}

// classify picks the strategy for err. Keys are checked in sorted order so
// classification is deterministic when several keys could match. Errors
// whose text matches more than one key are conflated onto the first match.
func (m *Manager) classify(err error) (string, *Strategy) {
	text := err.Error()

	m.mu.Lock()
	keys := make([]string, 0, len(m.strategies))
	for k := range m.strategies {
		keys = append(keys, k)
	}
	strategies := make(map[string]*Strategy, len(m.strategies))
	for k, s := range m.strategies {
		strategies[k] = s
	}
	m.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		if s := strategies[k]; s.Pattern != nil && s.Pattern.MatchString(text) {
			return k, s
		}
	}
	for _, k := range keys {
		if strings.Contains(text, k) {
			return k, strategies[k]
		}
	}
	return "", nil
}

// HandleError classifies err and drives the matching recovery strategy,
// reporting whether recovery succeeded. The path never panics and never
// returns an error: an unclassified error, a missing callback, or an
// exhausted strategy all log and report false.
func (m *Manager) HandleError(ctx context.Context, err error, rc *RecoveryContext) (recovered bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Recovery itself panicked.",
				zap.Any("panic", rec), zap.Stack("stack"))
			recovered = false
		}
	}()

	if err == nil {
		return true
	}
	if rc == nil {
		rc = &RecoveryContext{}
	}

	key, strat := m.classify(err)
	if strat == nil {
		m.logger.Warn("No recovery strategy for error.",
			zap.String("component", rc.Component), zap.Error(err))
		return false
	}

	logger := m.logger.With(
		zap.String("component", rc.Component),
		zap.String("strategy", key),
		zap.String("kind", strat.Kind.String()))

	var action func(ctx context.Context) error
	switch strat.Kind {
	case KindIgnore:
		logger.Debug("Error ignored by strategy.", zap.Error(err))
		return true
	case KindRetry:
		action = rc.Operation
	case KindReconnect:
		action = rc.OnReconnect
	case KindRestart:
		action = rc.OnRestart
	case KindCustom:
		if strat.Handler == nil {
			logger.Warn("Custom strategy without handler.")
			return false
		}
		action = func(ctx context.Context) error { return strat.Handler(ctx, err, rc) }
	}
	if action == nil {
		logger.Warn("Strategy has no callback to drive.", zap.Error(err))
		return false
	}

	for attempt := 1; attempt <= strat.MaxAttempts; attempt++ {
		if aerr := action(ctx); aerr == nil {
			logger.Info("Recovered from error.", zap.Int("attempt", attempt))
			return true
		} else {
			logger.Debug("Recovery attempt failed.",
				zap.Int("attempt", attempt), zap.Error(aerr))
		}
		// Linear backoff between attempts.
		if attempt < strat.MaxAttempts && strat.Delay > 0 {
			select {
			case <-time.After(strat.Delay * time.Duration(attempt)):
			case <-ctx.Done():
				logger.Warn("Recovery abandoned by context.", zap.Error(ctx.Err()))
				return false
			}
		}
	}

	logger.Error("Recovery attempts exhausted.", zap.Error(err))
	return false
}
