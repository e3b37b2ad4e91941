package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	assert.Equal(t, 2, bus.SubscriberCount())

	require.NoError(t, bus.Publish(context.Background(),
		NewEvent(EventTaskCompleted, "t1", "backend", map[string]any{"worker": "w1"})))

	for _, ch := range []chan *Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventTaskCompleted, ev.Type)
			assert.Equal(t, "t1", ev.TaskID)
			assert.NotEmpty(t, ev.ID)
		default:
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestPublishDropsForSlowConsumers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("slow")
	for i := 0; i < 150; i++ {
		require.NoError(t, bus.Publish(context.Background(),
			NewEvent(EventTaskStarted, "t1", "", nil)))
	}
	// buffer holds 100, the overflow was dropped, not blocked on
	assert.Len(t, ch, 100)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("x")
	bus.Unsubscribe(ch)
	require.NoError(t, bus.Publish(context.Background(),
		NewEvent(EventTaskStarted, "t1", "", nil)))
	assert.Len(t, ch, 0)
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("x")
	require.NoError(t, bus.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Error(t, bus.Publish(context.Background(), NewEvent(EventTaskStarted, "t1", "", nil)))
}

func TestFilterMatches(t *testing.T) {
	ev := NewEvent(EventTaskFailed, "t1", "backend", nil)

	assert.True(t, Filter{}.Matches(ev))
	assert.True(t, Filter{Types: []EventType{EventTaskFailed}}.Matches(ev))
	assert.False(t, Filter{Types: []EventType{EventTaskCompleted}}.Matches(ev))
	assert.True(t, Filter{Domain: "backend", TaskID: "t1"}.Matches(ev))
	assert.False(t, Filter{Domain: "frontend"}.Matches(ev))
	assert.False(t, Filter{TaskID: "t2"}.Matches(ev))
	assert.False(t, Filter{Since: ev.Timestamp + 10}.Matches(ev))
	assert.False(t, Filter{Until: ev.Timestamp - 10}.Matches(ev))
	assert.True(t, Filter{Since: ev.Timestamp, Until: ev.Timestamp}.Matches(ev))
}

func TestEventMarshalData(t *testing.T) {
	ev := NewEvent(EventTaskCompleted, "t1", "backend", map[string]any{"worker": "w1"})
	data, err := ev.MarshalData()
	require.NoError(t, err)
	assert.JSONEq(t, `{"worker":"w1"}`, string(data))

	bare := NewEvent(EventTaskLocked, "t1", "", nil)
	data, err = bare.MarshalData()
	require.NoError(t, err)
	assert.Nil(t, data)
}
