package offerbus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/metrics"
	"github.com/flywheel-sh/orchestratord/internal/offers"
)

// Handlers are the inbound callbacks the driver dispatches decoded Events
// to. A nil field is simply skipped; Driver.Run still counts the event in
// metrics.OfferBusEventsTotal.
type Handlers struct {
	Registered       func(frameworkID string, master MasterInfo)
	Reregistered     func(master MasterInfo)
	Disconnected     func()
	ResourceOffers   func(offers []domain.Offer)
	OfferRescinded   func(offerID string)
	StatusUpdate     func(status StatusUpdate)
	FrameworkMessage func(message []byte)
	AgentLost        func(agentID string)
	ExecutorLost     func(executorID, agentID string)
	Error            func(message string)
}

// Driver owns the single persistent connection to the offer bus: it reads
// Events off the Transport and dispatches them to Handlers, and exposes
// the outbound Call vocabulary as typed methods. It implements
// offers.BusDriver, kill.BusSender and reconcile.BatchSender so the
// matching, kill and reconciliation packages can all drive it without
// depending on this package directly.
type Driver struct {
	transport Transport
	handlers  Handlers
	log       zerolog.Logger
}

// New constructs a Driver around an already-dialed Transport.
func New(transport Transport, handlers Handlers) *Driver {
	return &Driver{
		transport: transport,
		handlers:  handlers,
		log:       log.WithComponent("offerbus"),
	}
}

// Subscribe sends the initial SUBSCRIBE call that registers this framework
// with the bus.
func (d *Driver) Subscribe(ctx context.Context) error {
	return d.transport.Send(ctx, Call{Kind: CallSubscribe})
}

// Run reads Events until ctx is cancelled or the transport returns a
// terminal error. Callers start one Run per leadership term: a follower
// has no reason to hold a bus connection open.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := d.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.log.Warn().Err(err).Msg("offer bus recv failed")
			if d.handlers.Disconnected != nil {
				d.handlers.Disconnected()
			}
			metrics.OfferBusConnected.Set(0)
			return err
		}
		metrics.OfferBusEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		d.dispatch(ev)
	}
}

func (d *Driver) dispatch(ev Event) {
	switch ev.Kind {
	case EventRegistered:
		metrics.OfferBusConnected.Set(1)
		if d.handlers.Registered != nil {
			d.handlers.Registered(ev.FrameworkID, ev.Master)
		}
	case EventReregistered:
		metrics.OfferBusConnected.Set(1)
		if d.handlers.Reregistered != nil {
			d.handlers.Reregistered(ev.Master)
		}
	case EventDisconnected:
		metrics.OfferBusConnected.Set(0)
		if d.handlers.Disconnected != nil {
			d.handlers.Disconnected()
		}
	case EventResourceOffers:
		if d.handlers.ResourceOffers != nil {
			d.handlers.ResourceOffers(ev.Offers)
		}
	case EventOfferRescinded:
		if d.handlers.OfferRescinded != nil {
			d.handlers.OfferRescinded(ev.OfferID)
		}
	case EventStatusUpdate:
		if d.handlers.StatusUpdate != nil {
			d.handlers.StatusUpdate(ev.Status)
		}
	case EventFrameworkMessage:
		if d.handlers.FrameworkMessage != nil {
			d.handlers.FrameworkMessage(ev.Message)
		}
	case EventAgentLost:
		if d.handlers.AgentLost != nil {
			d.handlers.AgentLost(ev.AgentID)
		}
	case EventExecutorLost:
		if d.handlers.ExecutorLost != nil {
			d.handlers.ExecutorLost(ev.ExecutorID, ev.AgentID)
		}
	case EventError:
		d.log.Error().Str("message", ev.Error).Msg("offer bus reported an error")
		if d.handlers.Error != nil {
			d.handlers.Error(ev.Error)
		}
	default:
		d.log.Warn().Str("kind", string(ev.Kind)).Msg("unrecognized offer bus event")
	}
}

// LaunchTasks accepts offerID, consuming it via ops (LAUNCH/LAUNCH_GROUP
// among RESERVE/UNRESERVE/CREATE/DESTROY).
func (d *Driver) LaunchTasks(ctx context.Context, offerID string, ops []domain.OfferOp) error {
	return d.transport.Send(ctx, Call{Kind: CallLaunchTasks, OfferID: offerID, Operations: ops})
}

// AcceptOffer sends the same offer ID and operations as LaunchTasks, but
// as a CallAcceptOffer call rather than CallLaunchTasks.
func (d *Driver) AcceptOffer(ctx context.Context, offerID string, ops []domain.OfferOp) error {
	return d.transport.Send(ctx, Call{Kind: CallAcceptOffer, OfferID: offerID, Operations: ops})
}

// SendKill satisfies kill.BusSender.
func (d *Driver) SendKill(taskID string, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.transport.Send(ctx, Call{Kind: CallKillTask, TaskID: taskID, Reason: reason})
}

// SendReconcileBatch satisfies reconcile.BatchSender.
func (d *Driver) SendReconcileBatch(instanceID string, taskIDs []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.transport.Send(ctx, Call{Kind: CallReconcileTasks, TaskIDs: taskIDs})
}

// DeclineOffer satisfies offers.BusDriver.
func (d *Driver) DeclineOffer(offerID string, filterDuration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.transport.Send(ctx, Call{Kind: CallDeclineOffer, OfferID: offerID, FilterDuration: filterDuration})
}

// SendSignal satisfies offers.BusDriver, translating the revive/suppress
// intent into the corresponding bus Call.
func (d *Driver) SendSignal(signal offers.ReviveSignal) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch signal {
	case offers.SignalRevive:
		return d.transport.Send(ctx, Call{Kind: CallReviveOffers})
	case offers.SignalSuppress:
		return d.transport.Send(ctx, Call{Kind: CallSuppressOffers})
	default:
		return nil
	}
}

// Close tears down the underlying connection.
func (d *Driver) Close() error {
	return d.transport.Close()
}
