package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spsh/backend/internal/events"
)

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acked++; return nil }
func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

type fakeDispatcher struct {
	events []events.Event
	remote []bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, event events.Event) {
	d.events = append(d.events, event)
	d.remote = append(d.remote, events.IsRemote(ctx))
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	calls    int
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.calls++
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return c.err
}

func TestConsumer_HandleDelivery(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	c := &Consumer{registry: events.DefaultRegistry(), dispatcher: dispatcher, logger: zap.NewNop()}

	body, err := json.Marshal(events.PersonDeletedEvent{PersonID: "p1", Username: "pmueller"})
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   events.PersonDeleted,
		Body:         body,
	})

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, "p1", dispatcher.events[0].(events.PersonDeletedEvent).PersonID)
	assert.True(t, dispatcher.remote[0])
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 0, ack.nacked)
}

func TestConsumer_HandleDelivery_Undecodable(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	c := &Consumer{registry: events.DefaultRegistry(), dispatcher: dispatcher, logger: zap.NewNop()}

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Type:         "unknown.event",
		Body:         []byte(`{}`),
	})

	assert.Empty(t, dispatcher.events)
	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestForwarder_Publish(t *testing.T) {
	ch := &fakeChannel{}
	f := newForwarder(func() ChannelPublisher { return ch }, "spsh", zap.NewNop())

	f.Handle(context.Background(), events.EmailAddressGeneratedEvent{PersonID: "p1", Address: "paul.mueller@schule-sh.de"})

	require.Equal(t, 1, ch.calls)
	assert.Equal(t, "spsh", ch.exchange)
	assert.Equal(t, events.EmailAddressGenerated, ch.key)
	assert.Equal(t, events.EmailAddressGenerated, ch.msg.Type)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var decoded events.EmailAddressGeneratedEvent
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "paul.mueller@schule-sh.de", decoded.Address)
}

func TestForwarder_SkipsRemoteEvents(t *testing.T) {
	ch := &fakeChannel{}
	f := newForwarder(func() ChannelPublisher { return ch }, "spsh", zap.NewNop())

	f.Handle(events.WithRemote(context.Background()), events.PersonDeletedEvent{PersonID: "p1"})

	assert.Equal(t, 0, ch.calls)
}

func TestForwarder_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	f := newForwarder(func() ChannelPublisher { return ch }, "spsh", zap.NewNop())

	err := f.Publish(context.Background(), events.PersonDeletedEvent{PersonID: "p1"})
	assert.ErrorContains(t, err, "channel closed")
}
