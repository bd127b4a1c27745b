package grpcraft

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hongwei-wu/zraft/internal/raft"
)

type handlerRecorder struct {
	mu   sync.Mutex
	msgs []raft.Message
}

func (h *handlerRecorder) Step(msg raft.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *handlerRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestTransportDeliver(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	t.Cleanup(func() { _ = lis.Close() })

	receiver := NewTransport(nil, slog.Default())
	recorder := &handlerRecorder{}
	receiver.SetHandler(recorder)
	go func() { _ = receiver.Serve(lis) }()
	t.Cleanup(receiver.Close)

	sender := NewTransport(
		map[raft.ID]string{2: "passthrough:///bufnet"},
		slog.Default(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.DialContext(context.Background())
		}),
	)
	t.Cleanup(sender.Close)

	msg := &raft.RequestVote{Candidate: 1, LastLogIndex: 3, LastLogTerm: 2}
	msg.From, msg.To, msg.Term = 1, 2, 7

	done := make(chan error, 1)
	sender.Send(msg, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send callback never fired")
	}

	require.Eventually(t, func() bool { return recorder.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Equal(t, msg, recorder.msgs[0])
}

func TestTransportSendToUnknownPeer(t *testing.T) {
	sender := NewTransport(nil, slog.Default())

	msg := &raft.TimeoutNow{}
	msg.From, msg.To, msg.Term = 1, 9, 1

	done := make(chan error, 1)
	sender.Send(msg, func(err error) { done <- err })

	select {
	case err := <-done:
		require.ErrorIs(t, err, raft.ErrNoConnection)
	case <-time.After(time.Second):
		t.Fatal("send callback never fired")
	}
}
