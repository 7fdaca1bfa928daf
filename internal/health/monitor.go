// Package health watches a campaign's send outcomes for ban signals. The
// monitor keeps a rolling window of recent outcomes plus a consecutive
// failure streak, and tells the execution loop when to warn or pause.
package health

import (
	"fmt"
	"sync"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

const windowSize = 50

// Defaults for the trip points; a campaign may override them.
const (
	defaultWarnBanRate     = 0.03
	defaultPauseBanRate    = 0.05
	defaultWarnConsecFail  = 10
	defaultPauseConsecFail = 15
	defaultMinSample       = 20
)

// Level grades the campaign's current health.
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelPause
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelPause:
		return "pause"
	default:
		return "ok"
	}
}

// Assessment is the monitor's verdict after an outcome is recorded.
type Assessment struct {
	Level               Level
	Reason              string
	BanRate             float64
	ConsecutiveFailures int
	Sample              int
}

// Monitor tracks one campaign's outcome history. Safe for concurrent use,
// though the execution loop records serially.
type Monitor struct {
	mu sync.Mutex

	// outcomes is a ring of the last windowSize send results, true = failed.
	outcomes [windowSize]bool
	head     int
	filled   int

	consecFails int

	warnBanRate     float64
	pauseBanRate    float64
	warnConsecFail  int
	pauseConsecFail int
	minSample       int
}

// New builds a monitor, applying any campaign threshold overrides.
func New(overrides *domain.HealthThresholds) *Monitor {
	m := &Monitor{
		warnBanRate:     defaultWarnBanRate,
		pauseBanRate:    defaultPauseBanRate,
		warnConsecFail:  defaultWarnConsecFail,
		pauseConsecFail: defaultPauseConsecFail,
		minSample:       defaultMinSample,
	}
	if o := overrides; o != nil {
		if o.WarnBanRate > 0 {
			m.warnBanRate = o.WarnBanRate
		}
		if o.PauseBanRate > 0 {
			m.pauseBanRate = o.PauseBanRate
		}
		if o.WarnConsecFail > 0 {
			m.warnConsecFail = o.WarnConsecFail
		}
		if o.PauseConsecFail > 0 {
			m.pauseConsecFail = o.PauseConsecFail
		}
		if o.MinSample > 0 {
			m.minSample = o.MinSample
		}
	}
	return m
}

// RecordSent logs a successful delivery and returns the fresh assessment.
func (m *Monitor) RecordSent() Assessment {
	return m.record(false)
}

// RecordFailed logs a failed delivery and returns the fresh assessment.
func (m *Monitor) RecordFailed() Assessment {
	return m.record(true)
}

func (m *Monitor) record(failed bool) Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes[m.head] = failed
	m.head = (m.head + 1) % windowSize
	if m.filled < windowSize {
		m.filled++
	}
	if failed {
		m.consecFails++
	} else {
		m.consecFails = 0
	}
	return m.assess()
}

// Check returns the current assessment without recording anything.
func (m *Monitor) Check() Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assess()
}

// BanRate is the failure fraction over the rolling window.
func (m *Monitor) BanRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banRateLocked()
}

// ConsecutiveFailures is the current unbroken failure streak.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecFails
}

func (m *Monitor) assess() Assessment {
	rate := m.banRateLocked()
	a := Assessment{
		Level:               LevelOK,
		BanRate:             rate,
		ConsecutiveFailures: m.consecFails,
		Sample:              m.filled,
	}

	switch {
	case m.consecFails >= m.pauseConsecFail:
		a.Level = LevelPause
		a.Reason = fmt.Sprintf("%d consecutive failures", m.consecFails)
	case m.filled >= m.minSample && rate >= m.pauseBanRate:
		a.Level = LevelPause
		a.Reason = fmt.Sprintf("failure rate %.1f%% over last %d sends", rate*100, m.filled)
	case m.consecFails >= m.warnConsecFail:
		a.Level = LevelWarn
		a.Reason = fmt.Sprintf("%d consecutive failures", m.consecFails)
	case m.filled >= m.minSample && rate >= m.warnBanRate:
		a.Level = LevelWarn
		a.Reason = fmt.Sprintf("failure rate %.1f%% over last %d sends", rate*100, m.filled)
	}
	return a
}

func (m *Monitor) banRateLocked() float64 {
	if m.filled == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < m.filled; i++ {
		if m.outcomes[i] {
			failed++
		}
	}
	return float64(failed) / float64(m.filled)
}
