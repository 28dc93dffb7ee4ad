package ipc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agenttree/internal/errs"
)

type payload struct {
	Note string `json:"note"`
}

func TestSendRecvRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	sender := New(nil, pw)
	receiver := New(pr, nil)

	msg, err := NewMessage(TagProgress, payload{Note: "hello"})
	require.NoError(t, err)

	go func() {
		require.NoError(t, sender.Send(msg))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := receiver.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TagProgress, got.Tag)

	var p payload
	require.NoError(t, got.Decode(&p))
	require.Equal(t, "hello", p.Note)
}

func TestFIFOOrderingPerDirection(t *testing.T) {
	pr, pw := io.Pipe()
	sender := New(nil, pw)
	receiver := New(pr, nil)

	go func() {
		for i := 0; i < 5; i++ {
			msg, _ := NewMessage(TagProgress, payload{Note: string(rune('a' + i))})
			require.NoError(t, sender.Send(msg))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		var p payload
		require.NoError(t, got.Decode(&p))
		require.Equal(t, string(rune('a'+i)), p.Note)
	}
}

func TestSendOnClosedChannelReturnsChannelClosed(t *testing.T) {
	_, pw := io.Pipe()
	sender := New(nil, pw)
	sender.Close()

	msg, err := NewMessage(TagCancelWorker, struct{}{})
	require.NoError(t, err)

	err = sender.Send(msg)
	require.True(t, errs.Is(err, errs.ChannelClosed))
}

func TestReplyCorrelatesToRequest(t *testing.T) {
	req, err := NewMessage(TagRequestUserInput, payload{Note: "choose X or Y"})
	require.NoError(t, err)

	resp, err := Reply(req, TagUserInputResponse, payload{Note: "X"})
	require.NoError(t, err)
	require.Equal(t, req.MessageID, resp.CorrelationID)
}

func TestMalformedFrameHeaderIsProtocolError(t *testing.T) {
	pr, pw := io.Pipe()
	receiver := New(pr, nil)

	go func() {
		_, _ = pw.Write([]byte("Not-A-Length-Header\r\n\r\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := receiver.Recv(ctx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ProtocolError))
}
