package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"rdpbridge/internal/codec"
	"rdpbridge/internal/session"
)

const dialTimeout = 5 * time.Second

// responseTimeout covers a stop, which may wait out the session's grace
// period.
const responseTimeout = 60 * time.Second

// Error is a failure reported by the server.
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("control %s: %s", e.Action, e.Message)
}

// Client talks to a SocketServer.
type Client struct {
	path string
}

func NewClient(path string) *Client { return &Client{path: path} }

func (c *Client) dial(ctx context.Context, action string) (net.Conn, *codec.Decoder, *Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to %s: %w", c.path, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(Request{Action: action}); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("writing request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	dec := codec.NewDecoder(conn)
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("reading response: %w", err)
	}
	if !resp.OK {
		conn.Close()
		return nil, nil, nil, &Error{Action: action, Message: resp.Error}
	}
	return conn, dec, &resp, nil
}

// Call runs one action and decodes its data into result, if non-nil.
func (c *Client) Call(ctx context.Context, action string, result any) error {
	conn, _, resp, err := c.dial(ctx, action)
	if err != nil {
		return err
	}
	defer conn.Close()
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decoding %s response: %w", action, err)
		}
	}
	return nil
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, ActionStatus, &st)
	return st, err
}

// Watch calls fn with the current status, then with every event until ctx
// ends or the server goes away.
func (c *Client) Watch(ctx context.Context, initial func(Status), fn func(session.Event)) error {
	conn, dec, resp, err := c.dial(ctx, ActionWatch)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if initial != nil {
		var st Status
		if err := codec.Unmarshal(resp.Data, &st); err != nil {
			return fmt.Errorf("decoding watch status: %w", err)
		}
		initial(st)
	}
	conn.SetReadDeadline(time.Time{})
	for {
		var ev session.Event
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		fn(ev)
	}
}
