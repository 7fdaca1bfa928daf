// Package pacing computes the anti-detection delays for a blast campaign:
// inter-message gaps, rest stops, daily caps, business-hour gating, and the
// randomized chaos pauses that mimic a human operator.
package pacing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

// tierDefaults is the pacing schedule per account-age tier. Younger accounts
// send slower, rest more, and cap lower.
var tierDefaults = map[domain.AccountAgeTier]struct {
	delayMin, delayMax time.Duration
	restEvery          int
	restMin, restMax   time.Duration
	capMin, capMax     int
}{
	domain.TierNew: {
		delayMin: 90 * time.Second, delayMax: 300 * time.Second,
		restEvery: 40,
		restMin:   60 * time.Minute, restMax: 120 * time.Minute,
		capMin: 40, capMax: 60,
	},
	domain.TierWarming: {
		delayMin: 60 * time.Second, delayMax: 180 * time.Second,
		restEvery: 60,
		restMin:   45 * time.Minute, restMax: 90 * time.Minute,
		capMin: 80, capMax: 120,
	},
	domain.TierEstablished: {
		delayMin: 45 * time.Second, delayMax: 150 * time.Second,
		restEvery: 80,
		restMin:   30 * time.Minute, restMax: 60 * time.Minute,
		capMin: 150, capMax: 200,
	},
}

// defaultChaos are the human-simulation dice rolled before every send.
var defaultChaos = domain.ChaosProbabilities{
	Distraction:  0.05,
	AppSwitching: 0.05,
	LongBreak:    0.10,
	TypoPause:    0.15,
}

// DefaultBusinessHours is 09:00-17:00 local, lunch 12:00-13:00 excluded,
// weekends excluded.
var DefaultBusinessHours = domain.BusinessHours{
	StartHour:       9,
	EndHour:         17,
	LunchStart:      12,
	LunchEnd:        13,
	ExcludeWeekends: true,
}

// Pause is one chaos-driven delay with the reason it was rolled.
type Pause struct {
	Reason   string
	Duration time.Duration
}

// Policy holds the resolved pacing parameters for one campaign. Durations
// are drawn from the policy's random source; time comparisons take the
// caller's clock so tests can drive them deterministically.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand

	delayMin, delayMax time.Duration
	restThreshold      int
	restMin, restMax   time.Duration
	dailyCap           int

	hours        domain.BusinessHours
	gateByHours  bool
	chaos        domain.ChaosProbabilities
	chaosEnabled bool
}

// New resolves a policy from the campaign config. The random source drives
// every dice roll and range draw; the daily cap is fixed at construction by
// one draw from the tier's cap range.
func New(cfg domain.CampaignConfig, src rand.Source) *Policy {
	tier := tierDefaults[cfg.Tier()]
	rng := rand.New(src)

	p := &Policy{
		rng:           rng,
		delayMin:      tier.delayMin,
		delayMax:      tier.delayMax,
		restThreshold: tier.restEvery,
		restMin:       tier.restMin,
		restMax:       tier.restMax,
		dailyCap:      tier.capMin + rng.Intn(tier.capMax-tier.capMin+1),
		hours:         DefaultBusinessHours,
		gateByHours:   cfg.BusinessHoursEnabled(),
		chaos:         defaultChaos,
		chaosEnabled:  true,
	}

	if cfg.BusinessHours != nil {
		p.hours = *cfg.BusinessHours
	}
	if cfg.Chaos != nil {
		p.chaos = *cfg.Chaos
	}
	if o := cfg.Pacing; o != nil {
		if o.DelayMinSeconds > 0 {
			p.delayMin = time.Duration(o.DelayMinSeconds) * time.Second
		}
		if o.DelayMaxSeconds > 0 {
			p.delayMax = time.Duration(o.DelayMaxSeconds) * time.Second
		}
		if o.RestThreshold > 0 {
			p.restThreshold = o.RestThreshold
		}
		if o.RestMinMinutes > 0 {
			p.restMin = time.Duration(o.RestMinMinutes) * time.Minute
		}
		if o.RestMaxMinutes > 0 {
			p.restMax = time.Duration(o.RestMaxMinutes) * time.Minute
		}
		if o.DailyCap > 0 {
			p.dailyCap = o.DailyCap
		}
	}
	if p.delayMax < p.delayMin {
		p.delayMax = p.delayMin
	}
	if p.restMax < p.restMin {
		p.restMax = p.restMin
	}

	return p
}

// DisableWindow turns off business-hour gating (force-start).
func (p *Policy) DisableWindow() { p.gateByHours = false }

// RestThreshold is the number of sends between mandatory rests.
func (p *Policy) RestThreshold() int { return p.restThreshold }

// DailyCap is the maximum sends per local day.
func (p *Policy) DailyCap() int { return p.dailyCap }

// InterMessageDelay draws the gap before the next send.
func (p *Policy) InterMessageDelay() time.Duration {
	return p.uniform(p.delayMin, p.delayMax)
}

// MeanDelay is the midpoint of the inter-message gap range. The queue uses
// it to price how far back a requeued number should land.
func (p *Policy) MeanDelay() time.Duration {
	return (p.delayMin + p.delayMax) / 2
}

// RestDuration draws the length of a mandatory rest.
func (p *Policy) RestDuration() time.Duration {
	return p.uniform(p.restMin, p.restMax)
}

// TypingDelay scales with the rendered message length: a human types longer
// messages longer.
func (p *Policy) TypingDelay(textLen int) time.Duration {
	switch {
	case textLen < 50:
		return p.uniform(2*time.Second, 5*time.Second)
	case textLen <= 150:
		return p.uniform(5*time.Second, 10*time.Second)
	default:
		return p.uniform(10*time.Second, 20*time.Second)
	}
}

// SendPauses rolls the chaos dice for one send and returns the resulting
// pauses in order: distraction, app switching, long break, typing delay,
// typo correction, final hesitation. All rolls are independent.
func (p *Policy) SendPauses(textLen int) []Pause {
	var pauses []Pause

	if p.roll(p.chaos.Distraction) {
		pauses = append(pauses, Pause{"distraction", p.uniform(30*time.Second, 120*time.Second)})
	}
	if p.roll(p.chaos.AppSwitching) {
		pauses = append(pauses, Pause{"app_switching", p.uniform(60*time.Second, 180*time.Second)})
	}
	if p.roll(p.chaos.LongBreak) {
		pauses = append(pauses, Pause{"long_break", p.uniform(5*time.Minute, 15*time.Minute)})
	}

	pauses = append(pauses, Pause{"typing", p.TypingDelay(textLen)})

	if p.roll(p.chaos.TypoPause) {
		pauses = append(pauses, Pause{"typo_correction", p.uniform(1*time.Second, 4*time.Second)})
	}

	pauses = append(pauses, Pause{"hesitation", p.uniform(500*time.Millisecond, 2*time.Second)})
	return pauses
}

// IsWithinWindow reports whether sends are permitted at now. Outside the
// window the execution loop sleeps; this is never a state transition.
func (p *Policy) IsWithinWindow(now time.Time) bool {
	if !p.gateByHours {
		return true
	}
	if p.hours.ExcludeWeekends && isWeekend(now) {
		return false
	}
	h := now.Hour()
	if h < p.hours.StartHour || h >= p.hours.EndHour {
		return false
	}
	if p.hours.LunchEnd > p.hours.LunchStart && h >= p.hours.LunchStart && h < p.hours.LunchEnd {
		return false
	}
	return true
}

// NextSendAt returns the earliest instant at or after now when sends are
// permitted. Within the window it returns now unchanged.
func (p *Policy) NextSendAt(now time.Time) time.Time {
	if p.IsWithinWindow(now) {
		return now
	}

	t := now
	// Bounded walk: a valid window opens within two weeks for any config.
	for i := 0; i < 15*24; i++ {
		if p.hours.ExcludeWeekends && isWeekend(t) {
			t = startOfNextDay(t, p.hours.StartHour)
			continue
		}
		h := t.Hour()
		switch {
		case h < p.hours.StartHour:
			t = time.Date(t.Year(), t.Month(), t.Day(), p.hours.StartHour, 0, 0, 0, t.Location())
		case p.hours.LunchEnd > p.hours.LunchStart && h >= p.hours.LunchStart && h < p.hours.LunchEnd:
			t = time.Date(t.Year(), t.Month(), t.Day(), p.hours.LunchEnd, 0, 0, 0, t.Location())
		case h >= p.hours.EndHour:
			t = startOfNextDay(t, p.hours.StartHour)
		}
		if p.IsWithinWindow(t) {
			return t
		}
	}
	return t
}

// NextDayStart returns the window open of the next eligible day; the loop
// sleeps until then once the daily cap is reached.
func (p *Policy) NextDayStart(now time.Time) time.Time {
	return p.NextSendAt(startOfNextDay(now, p.hours.StartHour))
}

func (p *Policy) uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}

func (p *Policy) roll(prob float64) bool {
	if prob <= 0 {
		return false
	}
	if prob >= 1 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < prob
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func startOfNextDay(t time.Time, hour int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, 0, 0, 0, t.Location())
}
