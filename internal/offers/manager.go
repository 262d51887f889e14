package offers

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/matcher"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
)

// ReviveSignal tells the offer-bus driver whether to revive or suppress
// offers.
type ReviveSignal int

const (
	SignalNone ReviveSignal = iota
	SignalRevive
	SignalSuppress
)

// BusDriver is the subset of internal/offerbus's Driver the manager needs:
// declining unused offers and sending revive/suppress signals.
type BusDriver interface {
	DeclineOffer(offerID string, filterDuration time.Duration) error
	SendSignal(signal ReviveSignal) error
}

// Matcher is one active run-spec's matching function: given an offer, try
// to consume it. ok=false means "no match, try the next matcher" and must
// never block.
type Matcher interface {
	RunSpecID() string
	TryMatch(offer domain.Offer) (domain.MatchResult, bool)
	HasUnfulfilledDemand() bool
}

// SpecMatcher adapts a Queue + RunSpec + running-instance snapshot into a
// Matcher.
type SpecMatcher struct {
	Spec            *domain.RunSpec
	Queue           *Queue
	DefaultBehavior domain.AcceptedResourceRolesBehavior
	RunningFn       func() []*domain.Instance
}

func (m *SpecMatcher) RunSpecID() string { return m.Spec.ID }

func (m *SpecMatcher) HasUnfulfilledDemand() bool { return m.Queue.Pending() > 0 }

func (m *SpecMatcher) TryMatch(offer domain.Offer) (domain.MatchResult, bool) {
	if !m.Queue.Ready() {
		return domain.MatchResult{}, false
	}
	running := m.RunningFn()
	if !matcherPkgMeetsConstraints(offer, m.Spec.Constraints, running) {
		return domain.MatchResult{}, false
	}
	result, ok := matcherPkgMatch(offer, m.Spec, m.DefaultBehavior, nil)
	if !ok {
		return domain.MatchResult{}, false
	}
	m.Queue.TakeToken()
	return result, true
}

// thin indirections so this file reads like the manager owns matching,
// while the actual algorithms live in internal/matcher.
func matcherPkgMeetsConstraints(offer domain.Offer, cs []domain.Constraint, running []*domain.Instance) bool {
	return matcher.MeetsConstraints(offer, cs, running)
}

func matcherPkgMatch(offer domain.Offer, spec *domain.RunSpec, behavior domain.AcceptedResourceRolesBehavior, reservation *domain.Reservation) (domain.MatchResult, bool) {
	return matcher.Match(offer, spec, behavior, reservation)
}

const defaultFilterDuration = 5 * time.Second

// Manager is the offer-match manager: it holds the set of active
// matchers, evaluates each incoming offer against them in order, and
// drives the revive/suppress signal.
type Manager struct {
	mu       sync.RWMutex
	matchers map[string]Matcher

	driver BusDriver
	clk    clock.Clock
	log    zerolog.Logger

	minReviveInterval time.Duration
	lastSignalAt      time.Time
	lastSignal        ReviveSignal
	suppressEnabled   bool

	needsOffersFn func() bool // e.g. reconciliation's demand for offers
}

// Config configures a Manager.
type Config struct {
	MinReviveOffersInterval time.Duration
	SuppressEnabled         bool
	NeedsOffers             func() bool
}

// NewManager creates an offer-match manager.
func NewManager(driver BusDriver, clk clock.Clock, cfg Config) *Manager {
	interval := cfg.MinReviveOffersInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	needsOffers := cfg.NeedsOffers
	if needsOffers == nil {
		needsOffers = func() bool { return false }
	}
	return &Manager{
		matchers:          make(map[string]Matcher),
		driver:            driver,
		clk:               clk,
		log:               log.WithComponent("offers"),
		minReviveInterval: interval,
		suppressEnabled:   cfg.SuppressEnabled,
		needsOffersFn:     needsOffers,
	}
}

// SetMatcher registers (or replaces) the matcher for a run-spec.
func (m *Manager) SetMatcher(match Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchers[match.RunSpecID()] = match
}

// RemoveMatcher unregisters a run-spec's matcher.
func (m *Manager) RemoveMatcher(runSpecID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matchers, runSpecID)
}

// HandleOffer presents offer to every active matcher in turn; the first
// match wins and the rest are skipped. Returns the winning MatchResult, or
// ok=false if nothing matched (the caller should decline the offer).
func (m *Manager) HandleOffer(offer domain.Offer) (domain.MatchResult, string, bool) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MatchingLatency)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for runSpecID, match := range m.matchers {
		result, ok := match.TryMatch(offer)
		if !ok {
			continue
		}
		metrics.LaunchesTotal.WithLabelValues("matched").Inc()
		return result, runSpecID, true
	}

	if err := m.driver.DeclineOffer(offer.ID, defaultFilterDuration); err != nil {
		m.log.Warn().Err(err).Str("offer_id", offer.ID).Msg("failed to decline unused offer")
	}
	return domain.MatchResult{}, "", false
}

// EvaluateSignal recomputes whether to revive or suppress offers and
// sends that signal unless a signal was sent less than
// minReviveOffersInterval ago; an unchanged signal is sent again once the
// interval has elapsed.
func (m *Manager) EvaluateSignal() {
	m.mu.RLock()
	unfulfilled := false
	for _, match := range m.matchers {
		if match.HasUnfulfilledDemand() {
			unfulfilled = true
			break
		}
	}
	m.mu.RUnlock()

	demand := unfulfilled || m.needsOffersFn()

	want := SignalRevive
	if !demand && m.suppressEnabled {
		want = SignalSuppress
	} else if !demand {
		return
	}

	now := m.clk.Now()
	if want == m.lastSignal && now.Sub(m.lastSignalAt) < m.minReviveInterval {
		return
	}
	if now.Sub(m.lastSignalAt) < m.minReviveInterval {
		return
	}

	if err := m.driver.SendSignal(want); err != nil {
		m.log.Warn().Err(err).Int("signal", int(want)).Msg("failed to send revive/suppress signal")
		return
	}
	m.lastSignal = want
	m.lastSignalAt = now
}

// LaunchQueueDepth reports the total pending launches across matchers,
// for metrics exposition.
func (m *Manager) LaunchQueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, match := range m.matchers {
		if sm, ok := match.(*SpecMatcher); ok {
			total += sm.Queue.Pending()
		}
	}
	return total
}
