// Package ipc implements the length-prefixed, framed, bidirectional message
// channel used between a supervisor and a worker. The spawn_agent and
// agent_result tags are defined here, but sub-agents run in-process under the
// worker's scheduler and exchange no frames over a Channel.
//
// Framing uses a declared-length header ("Content-Length: N\r\n\r\n") in the
// style of LSP's stdio transport, rather than newline-delimited JSON,
// because diffs and prompts carry arbitrary bytes that may themselves
// contain newlines.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odvcencio/agenttree/internal/errs"
)

// Tag identifies the kind of payload a Message carries.
type Tag string

const (
	TagStartWorker         Tag = "start_worker"
	TagUserInputResponse   Tag = "user_input_response"
	TagCancelWorker        Tag = "cancel_worker"
	TagRequestUserInput    Tag = "request_user_input"
	TagProgress            Tag = "progress"
	TagWorkerResult        Tag = "worker_result"
	TagSpawnAgent          Tag = "spawn_agent"
	TagAgentResult         Tag = "agent_result"
)

// Message is one frame exchanged over the channel.
type Message struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Tag           Tag             `json:"tag"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a fresh MessageID and a JSON-encoded
// payload.
func NewMessage(tag Tag, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errs.Wrap(err, errs.ProtocolError, "encode payload")
	}
	return Message{MessageID: uuid.NewString(), Tag: tag, Payload: data}, nil
}

// Reply builds a response Message correlated to req.
func Reply(req Message, tag Tag, payload any) (Message, error) {
	msg, err := NewMessage(tag, payload)
	if err != nil {
		return Message{}, err
	}
	msg.CorrelationID = req.MessageID
	return msg, nil
}

// Decode unmarshals m.Payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errs.Wrap(err, errs.ProtocolError, "decode payload")
	}
	return nil
}

// Channel is a reliable, framed, bidirectional message transport over a
// byte stream (typically a process's stdin/stdout pipe pair). Sends are
// serialized under a mutex to preserve frame integrity when called
// concurrently from multiple goroutines (e.g. sub-agents sharing the
// worker's channel to the supervisor for request_user_input).
type Channel struct {
	r *bufio.Reader
	w io.Writer

	sendMu sync.Mutex
	closed bool
	closeMu sync.Mutex
}

// New wraps a reader/writer pair (e.g. a child process's Stdout/Stdin) as a
// framed Channel.
func New(r io.Reader, w io.Writer) *Channel {
	return &Channel{r: bufio.NewReader(r), w: w}
}

// Send writes one frame. Returns ChannelClosed if the channel has been
// closed locally.
func (c *Channel) Send(msg Message) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return errs.New(errs.ChannelClosed, "send on closed channel")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(err, errs.ProtocolError, "marshal frame")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(c.w, header); err != nil {
		return errs.Wrap(err, errs.ChannelClosed, "write frame header")
	}
	if _, err := c.w.Write(body); err != nil {
		return errs.Wrap(err, errs.ChannelClosed, "write frame body")
	}
	return nil
}

// Recv reads one frame, blocking until a full frame arrives, the peer
// closes the stream (io.EOF), or ctx is cancelled.
func (c *Channel) Recv(ctx context.Context) (Message, error) {
	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		msg, err := c.readFrame()
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

func (c *Channel) readFrame() (Message, error) {
	headers := make(map[string]string)
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return Message{}, errs.New(errs.ProtocolError, "malformed frame header").WithContext("line", line)
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	lenStr, ok := headers["Content-Length"]
	if !ok {
		return Message{}, errs.New(errs.ProtocolError, "missing Content-Length header")
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil {
		return Message{}, errs.Wrap(err, errs.ProtocolError, "invalid Content-Length")
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Message{}, errs.Wrap(err, errs.ProtocolError, "read frame body")
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, errs.Wrap(err, errs.ProtocolError, "unmarshal frame")
	}
	return msg, nil
}

// Close marks the channel closed for further sends. Idempotent.
func (c *Channel) Close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}
