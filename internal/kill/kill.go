// Package kill implements the kill service: a single actor owning a FIFO
// of pending kills and a bounded number of in-flight kills, each retried on
// a timer until it terminates or is escalated to a forced expunge.
package kill

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/clock"
	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
)

const (
	defaultChunkSize      = 5
	defaultRetryTimeout   = 15 * time.Second
	defaultRetryMax       = 3
)

// lostConditions mirrors the instance/task "known-lost" family: kills
// targeting one of these never reach the bus, they go straight to a
// forced expunge.
var lostConditions = map[domain.InstanceCondition]bool{
	domain.ConditionGone:                true,
	domain.ConditionUnreachable:         true,
	domain.ConditionUnreachableInactive: true,
	domain.ConditionDropped:             true,
}

// BusSender issues a kill for one task to the offer-bus driver.
type BusSender interface {
	SendKill(taskID string, reason string) error
}

// Expunger forces an instance to Expunged via the state machine, bypassing
// the bus (used for known-lost instances and retry escalation).
type Expunger interface {
	ForceExpunge(instanceID string) error
}

// InstanceSource reads the current condition/tasks of an instance.
type InstanceSource interface {
	Get(instanceID string) (*domain.Instance, bool)
}

// Config tunes the kill service's batching and retry behavior.
type Config struct {
	ChunkSize    int
	RetryTimeout time.Duration
	RetryMax     int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = defaultRetryTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	return c
}

type inFlightKill struct {
	cancel   context.CancelFunc
	attempts int
}

// Service is the kill actor.
type Service struct {
	cfg      Config
	bus      BusSender
	expunge  Expunger
	tracker  InstanceSource
	clk      clock.Clock
	log      zerolog.Logger

	mu        sync.Mutex
	pending   []string // instance IDs, FIFO
	inFlight  map[string]*inFlightKill
	completed map[string]bool

	watchMu  sync.Mutex
	watchers map[string][]chan struct{}
}

// New constructs a kill Service.
func New(bus BusSender, expunge Expunger, tracker InstanceSource, clk clock.Clock, cfg Config) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		bus:       bus,
		expunge:   expunge,
		tracker:   tracker,
		clk:       clk,
		log:       log.WithComponent("kill"),
		inFlight:  make(map[string]*inFlightKill),
		completed: make(map[string]bool),
		watchers:  make(map[string][]chan struct{}),
	}
}

// Kill enqueues instances for termination, retried until they terminate or
// escalate to ForceExpunge.
func (s *Service) Kill(instanceIDs []string, reason string) error {
	s.enqueue(instanceIDs)
	s.pump(reason)
	return nil
}

// KillAndForget sends a single best-effort kill per instance with no retry
// tracking and no watch completion.
func (s *Service) KillAndForget(instanceIDs []string, reason string) error {
	for _, id := range instanceIDs {
		inst, ok := s.tracker.Get(id)
		if !ok {
			continue
		}
		if lostConditions[inst.Condition] {
			_ = s.expunge.ForceExpunge(id)
			continue
		}
		for taskID := range inst.Tasks {
			if err := s.bus.SendKill(taskID, reason); err != nil {
				s.log.Warn().Err(err).Str("task_id", taskID).Msg("killAndForget send failed")
			}
		}
	}
	return nil
}

// KillUnknown sends a kill directly for a taskID with no instance record
// (e.g. an orphan reported by the bus), bypassing the pending queue.
func (s *Service) KillUnknown(taskID string, reason string) error {
	return s.bus.SendKill(taskID, reason)
}

// Watch returns a channel that is closed once every instance in
// instanceIDs has produced a terminal event. Already-terminal instances
// are accounted for immediately; the empty-input case closes the returned
// channel synchronously.
func (s *Service) Watch(instanceIDs []string) <-chan struct{} {
	done := make(chan struct{})
	if len(instanceIDs) == 0 {
		close(done)
		return done
	}

	s.mu.Lock()
	remaining := 0
	for _, id := range instanceIDs {
		if !s.completed[id] {
			remaining++
		}
	}
	s.mu.Unlock()

	if remaining == 0 {
		close(done)
		return done
	}

	var once sync.Once
	var mu sync.Mutex
	left := remaining
	fire := func() {
		once.Do(func() { close(done) })
	}

	s.watchMu.Lock()
	for _, id := range instanceIDs {
		s.mu.Lock()
		alreadyDone := s.completed[id]
		s.mu.Unlock()
		if alreadyDone {
			continue
		}
		ch := make(chan struct{})
		s.watchers[id] = append(s.watchers[id], ch)
		go func(c chan struct{}) {
			<-c
			mu.Lock()
			left--
			l := left
			mu.Unlock()
			if l <= 0 {
				fire()
			}
		}(ch)
	}
	s.watchMu.Unlock()

	return done
}

// NotifyTerminal tells the kill service that instanceID has reached a
// terminal condition: its in-flight retry (if any) is cancelled and any
// watchers are signaled.
func (s *Service) NotifyTerminal(instanceID string) {
	s.mu.Lock()
	if entry, ok := s.inFlight[instanceID]; ok {
		entry.cancel()
		delete(s.inFlight, instanceID)
	}
	s.completed[instanceID] = true
	s.mu.Unlock()

	s.watchMu.Lock()
	chans := s.watchers[instanceID]
	delete(s.watchers, instanceID)
	s.watchMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}

	s.pump("")
}

func (s *Service) enqueue(instanceIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range instanceIDs {
		if s.completed[id] {
			continue
		}
		if _, inflight := s.inFlight[id]; inflight {
			continue
		}
		s.pending = append(s.pending, id)
	}
}

// pump admits pending kills up to ChunkSize in-flight.
func (s *Service) pump(reason string) {
	for {
		s.mu.Lock()
		if len(s.inFlight) >= s.cfg.ChunkSize || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		instanceID := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.admit(instanceID, reason)
	}
}

func (s *Service) admit(instanceID, reason string) {
	inst, ok := s.tracker.Get(instanceID)
	if !ok {
		s.NotifyTerminal(instanceID)
		return
	}
	if lostConditions[inst.Condition] {
		if err := s.expunge.ForceExpunge(instanceID); err != nil {
			s.log.Warn().Err(err).Str("instance_id", instanceID).Msg("known-lost force expunge failed")
		}
		metrics.KillsTotal.WithLabelValues("known_lost").Inc()
		return
	}
	if inst.Condition.Terminal() {
		s.NotifyTerminal(instanceID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.inFlight[instanceID] = &inFlightKill{cancel: cancel}
	s.mu.Unlock()

	s.sendKill(inst, reason)
	go s.retryLoop(ctx, instanceID, reason)
}

func (s *Service) sendKill(inst *domain.Instance, reason string) {
	for taskID := range inst.Tasks {
		if err := s.bus.SendKill(taskID, reason); err != nil {
			s.log.Warn().Err(err).Str("task_id", taskID).Msg("kill send failed")
		}
	}
	metrics.KillsTotal.WithLabelValues("sent").Inc()
}

func (s *Service) retryLoop(ctx context.Context, instanceID, reason string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.cfg.RetryTimeout):
		}

		s.mu.Lock()
		entry, ok := s.inFlight[instanceID]
		if !ok {
			s.mu.Unlock()
			return
		}
		entry.attempts++
		attempts := entry.attempts
		s.mu.Unlock()

		if attempts > s.cfg.RetryMax {
			if err := s.expunge.ForceExpunge(instanceID); err != nil {
				s.log.Warn().Err(err).Str("instance_id", instanceID).Msg("retry-exhausted force expunge failed")
			}
			metrics.KillsTotal.WithLabelValues("escalated").Inc()
			s.NotifyTerminal(instanceID)
			return
		}

		inst, ok := s.tracker.Get(instanceID)
		if !ok {
			s.NotifyTerminal(instanceID)
			return
		}
		s.sendKill(inst, reason)
	}
}

// PendingCount reports the current FIFO depth, for metrics exposition.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// InFlightCount reports the number of kills currently being retried.
func (s *Service) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
