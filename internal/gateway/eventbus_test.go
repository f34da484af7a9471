package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFanOut(t *testing.T) {
	b := NewEventBus(4)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()
	assert.Equal(t, 2, b.Len())

	b.Publish(Event{Type: EventStatus, Data: "connected"})

	ea := <-a
	ec := <-c
	assert.Equal(t, EventStatus, ea.Type)
	assert.Equal(t, "connected", ec.Data)
	assert.False(t, ea.Timestamp.IsZero())

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Len())
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	b := NewEventBus(2)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventMessage, Data: i})
	}
	require.Len(t, ch, 2)
	assert.Equal(t, 0, (<-ch).Data)
	assert.Equal(t, 1, (<-ch).Data)
}
