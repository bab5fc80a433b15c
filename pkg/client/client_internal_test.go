package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wardenchat/pkg/protocol"
)

func TestJoin_IdentifyWriteFails(t *testing.T) {
	req := require.New(t)

	local, remote := net.Pipe()
	remote.Close()

	c, err := New("alice", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	req.NoError(err)

	err = c.join(context.Background(), local)
	var terr *protocol.TransportError
	req.ErrorAs(err, &terr)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked after a failed handshake")
	}

	req.ErrorIs(c.Send("hi"), ErrNotConnected)
	req.ErrorAs(c.Wait(), &terr)
}
