package offerbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/offers"
)

// fakeTransport is an in-memory Transport: Send appends to sent, Recv
// drains a pre-seeded queue of events.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []Call
	events []Event
	closed bool
}

func (f *fakeTransport) Send(ctx context.Context, call Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, call)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Event{}, errors.New("fakeTransport: no more events")
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestDriverSubscribeSendsSubscribeCall(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	require.NoError(t, d.Subscribe(context.Background()))

	require.Len(t, ft.sent, 1)
	assert.Equal(t, CallSubscribe, ft.sent[0].Kind)
}

func TestDriverRunDispatchesResourceOffersToHandler(t *testing.T) {
	var got []domain.Offer
	ft := &fakeTransport{events: []Event{
		{Kind: EventResourceOffers, Offers: []domain.Offer{{ID: "offer-1"}}},
	}}
	d := New(ft, Handlers{
		ResourceOffers: func(offers []domain.Offer) { got = offers },
	})

	err := d.Run(context.Background())
	require.Error(t, err) // fakeTransport runs dry and returns an error

	require.Len(t, got, 1)
	assert.Equal(t, "offer-1", got[0].ID)
}

func TestDriverRunDispatchesStatusUpdateToHandler(t *testing.T) {
	var got StatusUpdate
	ft := &fakeTransport{events: []Event{
		{Kind: EventStatusUpdate, Status: StatusUpdate{TaskID: "task-1", Condition: domain.ConditionRunning}},
	}}
	d := New(ft, Handlers{
		StatusUpdate: func(status StatusUpdate) { got = status },
	})

	_ = d.Run(context.Background())

	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, domain.ConditionRunning, got.Condition)
}

func TestDriverRunStopsOnContextCancellation(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriverSendKillEncodesKillTaskCall(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	require.NoError(t, d.SendKill("task-1", "unhealthy"))

	require.Len(t, ft.sent, 1)
	assert.Equal(t, CallKillTask, ft.sent[0].Kind)
	assert.Equal(t, "task-1", ft.sent[0].TaskID)
	assert.Equal(t, "unhealthy", ft.sent[0].Reason)
}

func TestDriverSendReconcileBatchEncodesTaskIDs(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	require.NoError(t, d.SendReconcileBatch("inst-1", []string{"task-1", "task-2"}))

	require.Len(t, ft.sent, 1)
	assert.Equal(t, CallReconcileTasks, ft.sent[0].Kind)
	assert.Equal(t, []string{"task-1", "task-2"}, ft.sent[0].TaskIDs)
}

func TestDriverDeclineOfferEncodesFilterDuration(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	require.NoError(t, d.DeclineOffer("offer-1", 5*time.Second))

	require.Len(t, ft.sent, 1)
	assert.Equal(t, CallDeclineOffer, ft.sent[0].Kind)
	assert.Equal(t, 5*time.Second, ft.sent[0].FilterDuration)
}

func TestDriverSendSignalTranslatesReviveAndSuppress(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, Handlers{})

	require.NoError(t, d.SendSignal(offers.SignalRevive))
	require.NoError(t, d.SendSignal(offers.SignalSuppress))
	require.NoError(t, d.SendSignal(offers.SignalNone))

	require.Len(t, ft.sent, 2)
	assert.Equal(t, CallReviveOffers, ft.sent[0].Kind)
	assert.Equal(t, CallSuppressOffers, ft.sent[1].Kind)
}

func TestCallEnvelopeRoundTripsThroughStructpb(t *testing.T) {
	call := Call{
		Kind:           CallLaunchTasks,
		OfferID:        "offer-1",
		FilterDuration: 3 * time.Second,
		Operations: []domain.OfferOp{
			{Kind: domain.OfferOpLaunch, TaskID: "task-1", HostPort: 8080},
		},
	}
	s, err := call.toStruct()
	require.NoError(t, err)

	m := s.AsMap()
	assert.Equal(t, "LAUNCH_TASKS", m["kind"])
	assert.Equal(t, "offer-1", m["offer_id"])
}

func TestEventFromStructDecodesResourceOffers(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"kind": "RESOURCE_OFFERS",
		"offers": []any{
			map[string]any{
				"id":       "offer-1",
				"agent_id": "agent-1",
				"host":     "10.0.0.1",
				"resources": []any{
					map[string]any{"name": "cpus", "role": "*", "scalar": 4.0},
				},
			},
		},
	})
	require.NoError(t, err)

	ev, err := eventFromStruct(s)
	require.NoError(t, err)
	require.Len(t, ev.Offers, 1)
	assert.Equal(t, "offer-1", ev.Offers[0].ID)
	assert.Equal(t, "agent-1", ev.Offers[0].AgentID)
	require.Len(t, ev.Offers[0].Resources, 1)
	require.NotNil(t, ev.Offers[0].Resources[0].Scalar)
	assert.Equal(t, 4.0, *ev.Offers[0].Resources[0].Scalar)
}
