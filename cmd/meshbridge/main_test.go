package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	connectErr error
	status     string
	sendErr    error
	connected  string
	sent       []string
}

func (f *fakeSender) Connect(_ context.Context, target string) error {
	f.connected = target
	return f.connectErr
}

func (f *fakeSender) SendMessage(_ context.Context, text string) (*store.Message, error) {
	f.sent = append(f.sent, text)
	return &store.Message{UUID: "m-1", Text: text, Status: f.status}, f.sendErr
}

func TestDeliverReportsSentMessage(t *testing.T) {
	f := &fakeSender{status: store.StatusSent}
	var out bytes.Buffer

	require.NoError(t, deliver(context.Background(), &out, f, "/dev/ttyUSB0", "hello"))
	assert.Equal(t, "/dev/ttyUSB0", f.connected)
	assert.Equal(t, []string{"hello"}, f.sent)
	assert.Equal(t, store.StatusSent+" m-1\n", out.String())
}

func TestDeliverQueuedMessageIsAFailure(t *testing.T) {
	f := &fakeSender{status: store.StatusQueued, sendErr: transport.ErrQueued}
	var out bytes.Buffer

	err := deliver(context.Background(), &out, f, "meshnode.local", "hello")
	require.ErrorIs(t, err, transport.ErrQueued)
	assert.Contains(t, err.Error(), "not delivered")
	assert.Empty(t, out.String())
}

func TestDeliverStopsWhenConnectFails(t *testing.T) {
	boom := errors.New("no device")
	f := &fakeSender{connectErr: boom}

	err := deliver(context.Background(), &bytes.Buffer{}, f, "meshnode.local", "hello")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.sent)
}

func TestDeliverPassesSendErrors(t *testing.T) {
	f := &fakeSender{status: store.StatusDropped, sendErr: transport.ErrMessageTooLong}
	var out bytes.Buffer

	err := deliver(context.Background(), &out, f, "meshnode.local", "x")
	assert.ErrorIs(t, err, transport.ErrProtocol)
	assert.Empty(t, out.String())
}
