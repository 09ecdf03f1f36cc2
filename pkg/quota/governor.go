// Package quota enforces provider API budgets so a serving loop can
// never exhaust a monthly allowance.
package quota

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQuotaExceeded marks refusals caused by budget exhaustion. Callers
// treat it as a signal to serve cached data, not as a failure.
var ErrQuotaExceeded = errors.New("api quota exceeded")

// Thresholds as fractions of the configured limits.
const (
	WarnThreshold  = 0.80
	BlockThreshold = 0.95
)

// persistEvery bounds how often usage is flushed to the store.
const persistEvery = 10

// Quota is one source's budget. Zero limits are unlimited.
type Quota struct {
	MonthlyLimit int `json:"monthly_limit"`
	DailyLimit   int `json:"daily_limit"`
	MinuteLimit  int `json:"minute_limit"`
}

// Usage is one source's persisted consumption state.
type Usage struct {
	TotalCalls  int64          `json:"total_calls"`
	DailyCalls  map[string]int `json:"daily_calls"`
	LastCall    time.Time      `json:"last_call"`
	MinuteCalls int            `json:"minute_calls"`
	MinuteStamp time.Time      `json:"minute_stamp"`
}

// Store persists usage across restarts.
type Store interface {
	Load(source string) (Usage, error)
	Save(source string, usage Usage) error
}

// Status is a point-in-time snapshot for one source.
type Status struct {
	Source       string    `json:"source"`
	MonthlyUsed  int64     `json:"monthly_used"`
	MonthlyLimit int       `json:"monthly_limit"`
	DailyUsed    int       `json:"daily_used"`
	DailyLimit   int       `json:"daily_limit"`
	MinuteUsed   int       `json:"minute_used"`
	MinuteLimit  int       `json:"minute_limit"`
	LastCall     time.Time `json:"last_call"`
	Blocked      bool      `json:"blocked"`
}

// Governor tracks consumption per source and answers the single question
// "may I call right now". CanCall and RecordCall never return errors;
// refusal is a boolean and persistence failures only log.
type Governor struct {
	mu     sync.Mutex
	quotas map[string]Quota
	usage  map[string]Usage
	dirty  map[string]int
	store  Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewGovernor creates a governor over the given per-source budgets,
// restoring persisted usage from the store.
func NewGovernor(quotas map[string]Quota, store Store, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		quotas: quotas,
		usage:  make(map[string]Usage),
		dirty:  make(map[string]int),
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	if store != nil {
		for source := range quotas {
			u, err := store.Load(source)
			if err != nil {
				logger.Warn("quota usage restore failed", zap.String("source", source), zap.Error(err))
				continue
			}
			if u.DailyCalls == nil {
				u.DailyCalls = make(map[string]int)
			}
			g.usage[source] = u
		}
	}
	return g
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// CanCall reports whether one more call to source fits the budget.
// Unknown sources are unbudgeted and always allowed.
func (g *Governor) CanCall(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.quotas[source]
	if !ok {
		return true
	}
	u := g.usageLocked(source)
	now := g.clock()

	if q.MonthlyLimit > 0 {
		used := float64(u.TotalCalls) / float64(q.MonthlyLimit)
		if used >= BlockThreshold {
			g.logger.Warn("quota blocked",
				zap.String("source", source),
				zap.Int64("monthly_used", u.TotalCalls),
				zap.Int("monthly_limit", q.MonthlyLimit))
			return false
		}
		if used >= WarnThreshold {
			g.logger.Warn("quota nearing monthly limit",
				zap.String("source", source),
				zap.Int64("monthly_used", u.TotalCalls),
				zap.Int("monthly_limit", q.MonthlyLimit))
		}
	}

	if q.DailyLimit > 0 {
		daily := float64(u.DailyCalls[dayKey(now)]) / float64(q.DailyLimit)
		if daily >= BlockThreshold {
			g.logger.Warn("quota blocked for today",
				zap.String("source", source),
				zap.Int("daily_used", u.DailyCalls[dayKey(now)]),
				zap.Int("daily_limit", q.DailyLimit))
			return false
		}
		if daily >= WarnThreshold {
			g.logger.Warn("quota nearing daily limit",
				zap.String("source", source),
				zap.Int("daily_used", u.DailyCalls[dayKey(now)]),
				zap.Int("daily_limit", q.DailyLimit))
		}
	}

	if q.MinuteLimit > 0 {
		if now.Sub(u.MinuteStamp) < time.Minute && u.MinuteCalls >= q.MinuteLimit {
			return false
		}
	}

	return true
}

// RecordCall counts one completed call against source's budget. Usage is
// persisted every tenth call per source to keep the hot path off disk.
func (g *Governor) RecordCall(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	u := g.usageLocked(source)
	now := g.clock()

	u.TotalCalls++
	u.DailyCalls[dayKey(now)]++
	u.LastCall = now

	if now.Sub(u.MinuteStamp) >= time.Minute {
		u.MinuteStamp = now
		u.MinuteCalls = 0
	}
	u.MinuteCalls++

	g.usage[source] = u

	g.dirty[source]++
	if g.dirty[source] >= persistEvery {
		g.persistLocked(source)
	}
}

// Flush writes all dirty usage to the store. Called on shutdown.
func (g *Governor) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for source, n := range g.dirty {
		if n > 0 {
			g.persistLocked(source)
		}
	}
}

// ResetDaily clears today's counter for source.
func (g *Governor) ResetDaily(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.usageLocked(source)
	delete(u.DailyCalls, dayKey(g.clock()))
	g.usage[source] = u
	g.persistLocked(source)
}

// ResetMonthly clears the whole budget window for source. Run at month
// rollover.
func (g *Governor) ResetMonthly(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.usageLocked(source)
	u.TotalCalls = 0
	u.DailyCalls = make(map[string]int)
	g.usage[source] = u
	g.persistLocked(source)
}

// StatusAll snapshots every budgeted source for the status endpoint and
// the operator CLI.
func (g *Governor) StatusAll() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	out := make([]Status, 0, len(g.quotas))
	for source, q := range g.quotas {
		u := g.usageLocked(source)
		s := Status{
			Source:       source,
			MonthlyUsed:  u.TotalCalls,
			MonthlyLimit: q.MonthlyLimit,
			DailyUsed:    u.DailyCalls[dayKey(now)],
			DailyLimit:   q.DailyLimit,
			MinuteLimit:  q.MinuteLimit,
			LastCall:     u.LastCall,
		}
		if now.Sub(u.MinuteStamp) < time.Minute {
			s.MinuteUsed = u.MinuteCalls
		}
		if q.MonthlyLimit > 0 && float64(u.TotalCalls)/float64(q.MonthlyLimit) >= BlockThreshold {
			s.Blocked = true
		}
		if q.DailyLimit > 0 && float64(s.DailyUsed)/float64(q.DailyLimit) >= BlockThreshold {
			s.Blocked = true
		}
		out = append(out, s)
	}
	return out
}

func (g *Governor) usageLocked(source string) Usage {
	u, ok := g.usage[source]
	if !ok {
		u = Usage{DailyCalls: make(map[string]int)}
		g.usage[source] = u
	}
	return u
}

func (g *Governor) persistLocked(source string) {
	g.dirty[source] = 0
	if g.store == nil {
		return
	}
	if err := g.store.Save(source, g.usage[source]); err != nil {
		g.logger.Warn("quota usage persist failed", zap.String("source", source), zap.Error(err))
	}
}

// SetClock overrides the governor's time source for tests.
func (g *Governor) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}
