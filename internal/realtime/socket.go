package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SocketPath returns the default gateway socket path.
func SocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".draftsync", "gateway.sock")
}

// SocketTransport subscribes through a local realtime gateway speaking NDJSON
// over a unix or tcp socket.
type SocketTransport struct {
	network string
	addr    string
}

// NewSocketTransport returns a transport dialing network/addr.
func NewSocketTransport(network, addr string) *SocketTransport {
	if network == "" {
		network = "unix"
	}
	return &SocketTransport{network: network, addr: addr}
}

// Subscribe dials the gateway and subscribes to channel.
func (t *SocketTransport) Subscribe(ctx context.Context, channel, token string) (Subscription, error) {
	c, err := Dial(ctx, t.network, t.addr)
	if err != nil {
		return nil, err
	}
	resp, err := c.SendCommand(Command{Cmd: "subscribe", Channel: channel, Token: token})
	if err != nil {
		c.Close()
		return nil, err
	}
	if !resp.OK {
		c.Close()
		if resp.Code == CodeAuth {
			return nil, fmt.Errorf("subscribe %s: %s: %w", channel, resp.Error, ErrAuth)
		}
		return nil, fmt.Errorf("subscribe %s: %s", channel, resp.Error)
	}
	return c, nil
}

// SocketClient is one NDJSON connection to the gateway.
type SocketClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
}

// Dial connects to the gateway socket.
func Dial(ctx context.Context, network, addr string) (*SocketClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	return &SocketClient{conn: conn, scanner: scanner}, nil
}

// Close shuts down the connection.
func (c *SocketClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SendCommand sends a command and reads one response line. Only valid before
// the event stream starts.
func (c *SocketClient) SendCommand(cmd Command) (Response, error) {
	if err := c.write(cmd); err != nil {
		return Response{}, err
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		return Response{}, fmt.Errorf("connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return resp, nil
}

// RotateToken pushes a fresh token into the live subscription. The gateway
// acknowledges with a token-rotated event on the stream.
func (c *SocketClient) RotateToken(_ context.Context, token string) error {
	return c.write(Command{Cmd: "auth", Token: token})
}

func (c *SocketClient) write(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Next reads the next envelope line. Blocks until data arrives, ctx is done
// or the connection is closed. An `{"event":"error","data":{"code":"auth"}}`
// line is reported as ErrAuth.
func (c *SocketClient) Next(ctx context.Context) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if !c.scanner.Scan() {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		if err := c.scanner.Err(); err != nil {
			return Envelope{}, fmt.Errorf("read event: %w", err)
		}
		return Envelope{}, fmt.Errorf("connection closed")
	}

	env, err := DecodeEnvelope(c.scanner.Bytes())
	if err != nil {
		// A bad line is not a transport failure; hand it on untyped so the
		// router can drop and log it.
		return Envelope{Event: EventMalformed, Data: append(json.RawMessage(nil), c.scanner.Bytes()...)}, nil
	}
	if env.Event == "error" && isAuthError(env.Data) {
		return Envelope{}, fmt.Errorf("gateway: %w", ErrAuth)
	}
	return env, nil
}

func isAuthError(data json.RawMessage) bool {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return body.Code == CodeAuth
}
