package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/randomstuff/dnsfwd/internal/dns/log"
	"github.com/randomstuff/dnsfwd/internal/dns/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReceiver struct {
	mock.Mock
	got chan *message.Message
}

func newMockReceiver() *mockReceiver {
	return &mockReceiver{got: make(chan *message.Message, 16)}
}

func (m *mockReceiver) AddRequest(msg *message.Message) {
	m.Called(msg)
	m.got <- msg
}

func TestListener_ReceivesAndDeliversRequest(t *testing.T) {
	recv := newMockReceiver()
	recv.On("AddRequest", mock.Anything).Return()

	l, err := New("127.0.0.1:0", recv, log.NewNoopLogger())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	query := make([]byte, 12)
	query[0], query[1] = 0xAB, 0xCD
	_, err = client.Write(query)
	require.NoError(t, err)

	select {
	case msg := <-recv.got:
		assert.Equal(t, uint16(0xABCD), msg.ServerID)
		assert.Equal(t, 12, msg.Size)
		assert.Same(t, l, msg.OriginListener)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never delivered the request")
	}
}

func TestListener_DiscardsShortDatagram(t *testing.T) {
	recv := newMockReceiver()

	l, err := New("127.0.0.1:0", recv, log.NewNoopLogger())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	select {
	case <-recv.got:
		t.Fatal("listener delivered a datagram shorter than the DNS header")
	case <-time.After(200 * time.Millisecond):
	}
	recv.AssertNotCalled(t, "AddRequest", mock.Anything)
}

func TestListener_SendResponse(t *testing.T) {
	recv := newMockReceiver()

	l, err := New("127.0.0.1:0", recv, log.NewNoopLogger())
	require.NoError(t, err)
	defer l.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	payload := []byte{0xAB, 0xCD, 1, 2, 3}
	l.SendResponse(payload, client.LocalAddr())

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}
