package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientPublishSubscribe(t *testing.T) {
	broker := NewMemoryBroker()
	a := NewMemoryClient(broker)
	b := NewMemoryClient(broker)

	received := make(chan Message, 1)
	_, err := b.Subscribe("doc:foo:updates", func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	err = a.Publish(context.Background(), "doc:foo:updates", Message{
		DocumentName: "foo",
		Update:       []byte("hello"),
		InstanceTag:  "instance-a",
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "foo", msg.DocumentName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	assert.Equal(t, uint64(1), a.Stats().MessagesSent)
	assert.Equal(t, uint64(1), b.Stats().MessagesReceived)
}

func TestMemoryClientDoubleSubscribeErrors(t *testing.T) {
	broker := NewMemoryBroker()
	c := NewMemoryClient(broker)
	_, err := c.Subscribe("doc:bar:updates", func(Message) {})
	require.NoError(t, err)
	_, err = c.Subscribe("doc:bar:updates", func(Message) {})
	assert.Error(t, err)
}

func TestMemoryClientConnectionChangeCallback(t *testing.T) {
	broker := NewMemoryBroker()
	c := NewMemoryClient(broker)
	var transitions []bool
	c.OnConnectionChange(func(up bool) { transitions = append(transitions, up) })
	c.SetUp(false)
	c.SetUp(true)
	assert.Equal(t, []bool{false, true}, transitions)
}
