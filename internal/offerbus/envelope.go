// Package offerbus implements the single persistent connection to the
// external offer bus: one inbound Event stream carrying registration,
// offer and status notifications, and one outbound Call channel carrying
// launch/kill/reconcile/revive/suppress/accept/decline requests. Modeled
// on Mesos's own v1 scheduler API shape (one discriminated Call, one
// discriminated Event) rather than one RPC per verb, since that is the
// actual contract spec.md's offer-bus section describes.
package offerbus

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flywheel-sh/orchestratord/internal/domain"
)

// EventKind enumerates the inbound callbacks the driver dispatches.
type EventKind string

const (
	EventRegistered       EventKind = "REGISTERED"
	EventReregistered     EventKind = "REREGISTERED"
	EventDisconnected     EventKind = "DISCONNECTED"
	EventResourceOffers   EventKind = "RESOURCE_OFFERS"
	EventOfferRescinded   EventKind = "OFFER_RESCINDED"
	EventStatusUpdate     EventKind = "STATUS_UPDATE"
	EventFrameworkMessage EventKind = "FRAMEWORK_MESSAGE"
	EventAgentLost        EventKind = "AGENT_LOST"
	EventExecutorLost     EventKind = "EXECUTOR_LOST"
	EventError            EventKind = "ERROR"
)

// CallKind enumerates the outbound driver calls.
type CallKind string

const (
	CallSubscribe       CallKind = "SUBSCRIBE"
	CallLaunchTasks     CallKind = "LAUNCH_TASKS"
	CallKillTask        CallKind = "KILL_TASK"
	CallReconcileTasks  CallKind = "RECONCILE_TASKS"
	CallReviveOffers    CallKind = "REVIVE_OFFERS"
	CallSuppressOffers  CallKind = "SUPPRESS_OFFERS"
	CallDeclineOffer    CallKind = "DECLINE_OFFER"
	CallAcceptOffer     CallKind = "ACCEPT_OFFER"
)

// MasterInfo identifies the offer-bus endpoint we registered against.
type MasterInfo struct {
	ID       string
	Hostname string
	Port     int
}

// Event is one decoded inbound notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind

	FrameworkID string
	Master      MasterInfo

	Offers    []domain.Offer
	OfferID   string // OFFER_RESCINDED

	Status  StatusUpdate // STATUS_UPDATE
	Message []byte       // FRAMEWORK_MESSAGE

	AgentID    string // AGENT_LOST
	ExecutorID string // EXECUTOR_LOST

	Error string // ERROR
}

// StatusUpdate is the bus's report of one task's condition.
type StatusUpdate struct {
	TaskID     string
	Condition  domain.TaskCondition
	Healthy    *bool
	LostReason string
	Message    string
	At         time.Time
}

// Call is one encoded outbound request.
type Call struct {
	Kind CallKind

	OfferID        string
	FilterDuration time.Duration
	Operations     []domain.OfferOp

	TaskID string
	Reason string

	TaskIDs []string // RECONCILE_TASKS
}

// toStruct encodes a Call into the wire envelope sent over the transport.
func (c Call) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		"kind": string(c.Kind),
	}
	if c.OfferID != "" {
		fields["offer_id"] = c.OfferID
	}
	if c.FilterDuration > 0 {
		fields["filter_seconds"] = c.FilterDuration.Seconds()
	}
	if len(c.Operations) > 0 {
		ops := make([]any, len(c.Operations))
		for i, op := range c.Operations {
			ops[i] = map[string]any{
				"kind":      string(op.Kind),
				"task_id":   op.TaskID,
				"host_port": float64(op.HostPort),
			}
		}
		fields["operations"] = ops
	}
	if c.TaskID != "" {
		fields["task_id"] = c.TaskID
	}
	if c.Reason != "" {
		fields["reason"] = c.Reason
	}
	if len(c.TaskIDs) > 0 {
		ids := make([]any, len(c.TaskIDs))
		for i, id := range c.TaskIDs {
			ids[i] = id
		}
		fields["task_ids"] = ids
	}
	return structpb.NewStruct(fields)
}

// eventFromStruct decodes the wire envelope received from the transport.
func eventFromStruct(s *structpb.Struct) (Event, error) {
	if s == nil {
		return Event{}, fmt.Errorf("offerbus: nil event envelope")
	}
	m := s.AsMap()
	kind, _ := m["kind"].(string)
	ev := Event{Kind: EventKind(kind)}

	switch ev.Kind {
	case EventRegistered, EventReregistered:
		ev.FrameworkID, _ = m["framework_id"].(string)
		if mi, ok := m["master"].(map[string]any); ok {
			ev.Master.ID, _ = mi["id"].(string)
			ev.Master.Hostname, _ = mi["hostname"].(string)
			if p, ok := mi["port"].(float64); ok {
				ev.Master.Port = int(p)
			}
		}
	case EventResourceOffers:
		raw, _ := m["offers"].([]any)
		for _, o := range raw {
			offerMap, ok := o.(map[string]any)
			if !ok {
				continue
			}
			ev.Offers = append(ev.Offers, offerFromMap(offerMap))
		}
	case EventOfferRescinded:
		ev.OfferID, _ = m["offer_id"].(string)
	case EventStatusUpdate:
		ev.Status = statusFromMap(m)
	case EventFrameworkMessage:
		if msg, ok := m["message"].(string); ok {
			ev.Message = []byte(msg)
		}
	case EventAgentLost:
		ev.AgentID, _ = m["agent_id"].(string)
	case EventExecutorLost:
		ev.ExecutorID, _ = m["executor_id"].(string)
	case EventError:
		ev.Error, _ = m["error"].(string)
	}
	return ev, nil
}

func offerFromMap(m map[string]any) domain.Offer {
	o := domain.Offer{Attributes: map[string]string{}}
	o.ID, _ = m["id"].(string)
	o.AgentID, _ = m["agent_id"].(string)
	o.Host, _ = m["host"].(string)
	if attrs, ok := m["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			if sv, ok := v.(string); ok {
				o.Attributes[k] = sv
			}
		}
	}
	if res, ok := m["resources"].([]any); ok {
		for _, r := range res {
			rm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			o.Resources = append(o.Resources, resourceFromMap(rm))
		}
	}
	return o
}

func resourceFromMap(m map[string]any) domain.OfferedResource {
	r := domain.OfferedResource{}
	r.Name, _ = m["name"].(string)
	r.Role, _ = m["role"].(string)
	if scalar, ok := m["scalar"].(float64); ok {
		r.Scalar = &scalar
	}
	if set, ok := m["set"].([]any); ok {
		for _, v := range set {
			if sv, ok := v.(string); ok {
				r.Set = append(r.Set, sv)
			}
		}
	}
	if ranges, ok := m["ranges"].([]any); ok {
		for _, rg := range ranges {
			rgm, ok := rg.(map[string]any)
			if !ok {
				continue
			}
			begin, _ := rgm["begin"].(float64)
			end, _ := rgm["end"].(float64)
			r.Ranges = append(r.Ranges, domain.PortRange{Begin: int(begin), End: int(end)})
		}
	}
	return r
}

func statusFromMap(m map[string]any) StatusUpdate {
	su := StatusUpdate{}
	su.TaskID, _ = m["task_id"].(string)
	cond, _ := m["condition"].(string)
	su.Condition = domain.TaskCondition(cond)
	su.LostReason, _ = m["lost_reason"].(string)
	su.Message, _ = m["message"].(string)
	if h, ok := m["healthy"].(bool); ok {
		su.Healthy = &h
	}
	if at, ok := m["at"].(string); ok && at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			su.At = t
		}
	}
	return su
}
