package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// startMockGateway creates a unix socket that accepts one connection, reads
// the subscribe command, answers with response and then streams lines.
// Commands received after subscribing are sent to the returned channel.
func startMockGateway(t *testing.T, response Response, lines []string) (string, <-chan Command) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "gw.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	cmds := make(chan Command, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var sub Command
		json.Unmarshal(line, &sub)
		cmds <- sub

		data, _ := json.Marshal(response)
		conn.Write(append(data, '\n'))
		if !response.OK {
			return
		}

		for _, l := range lines {
			conn.Write([]byte(l + "\n"))
		}

		// Keep reading follow-up commands (token rotation) until closed.
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var cmd Command
			json.Unmarshal(line, &cmd)
			cmds <- cmd
		}
	}()

	return sockPath, cmds
}

func TestSocketSubscribeAndStream(t *testing.T) {
	sockPath, cmds := startMockGateway(t, Response{OK: true}, []string{
		`{"event":"draft-created","data":{"id":"d1","sourceItemId":"100"}}`,
		`{"event":"analysis-progress","data":{"stage":"fetch","percent":40}}`,
	})

	ctx := context.Background()
	sub, err := NewSocketTransport("unix", sockPath).Subscribe(ctx, "user:7", "tok-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	got := <-cmds
	if got.Cmd != "subscribe" || got.Channel != "user:7" || got.Token != "tok-1" {
		t.Errorf("subscribe command = %+v", got)
	}

	ev1, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("read event 1: %v", err)
	}
	if ev1.Event != EventDraftCreated {
		t.Errorf("event1 = %q, want %q", ev1.Event, EventDraftCreated)
	}

	ev2, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("read event 2: %v", err)
	}
	if ev2.Event != EventAnalysisProgress {
		t.Errorf("event2 = %q, want %q", ev2.Event, EventAnalysisProgress)
	}
}

func TestSocketSubscribeAuthRejected(t *testing.T) {
	sockPath, _ := startMockGateway(t, Response{OK: false, Error: "token expired", Code: CodeAuth}, nil)

	_, err := NewSocketTransport("unix", sockPath).Subscribe(context.Background(), "user:7", "stale")
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestSocketSubscribeOtherFailure(t *testing.T) {
	sockPath, _ := startMockGateway(t, Response{OK: false, Error: "no such channel"}, nil)

	_, err := NewSocketTransport("unix", sockPath).Subscribe(context.Background(), "user:7", "tok")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("non-auth failure must not wrap ErrAuth")
	}
}

func TestSocketMalformedLineIsNotFatal(t *testing.T) {
	sockPath, _ := startMockGateway(t, Response{OK: true}, []string{
		`{{{ not json`,
		`{"event":"draft-updated","data":{}}`,
	})

	ctx := context.Background()
	sub, err := NewSocketTransport("unix", sockPath).Subscribe(ctx, "user:7", "tok")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("malformed line should not error: %v", err)
	}
	if ev.Event != EventMalformed {
		t.Errorf("event = %q, want %q", ev.Event, EventMalformed)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Event != EventDraftUpdated {
		t.Errorf("event = %q, want %q", ev.Event, EventDraftUpdated)
	}
}

func TestSocketAuthErrorEvent(t *testing.T) {
	sockPath, _ := startMockGateway(t, Response{OK: true}, []string{
		`{"event":"error","data":{"code":"auth","message":"expired"}}`,
	})

	ctx := context.Background()
	sub, err := NewSocketTransport("unix", sockPath).Subscribe(ctx, "user:7", "tok")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := sub.Next(ctx); !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestSocketRotateToken(t *testing.T) {
	sockPath, cmds := startMockGateway(t, Response{OK: true}, nil)

	ctx := context.Background()
	sub, err := NewSocketTransport("unix", sockPath).Subscribe(ctx, "user:7", "tok-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	<-cmds

	rot, ok := sub.(TokenRotator)
	if !ok {
		t.Fatal("socket subscription should support token rotation")
	}
	if err := rot.RotateToken(ctx, "tok-2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	select {
	case cmd := <-cmds:
		if cmd.Cmd != "auth" || cmd.Token != "tok-2" {
			t.Errorf("rotation command = %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("gateway never saw the rotation command")
	}
}

func TestSocketNextHonorsContext(t *testing.T) {
	sockPath, _ := startMockGateway(t, Response{OK: true}, nil)

	sub, err := NewSocketTransport("unix", sockPath).Subscribe(context.Background(), "user:7", "tok")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "unix", "/nonexistent/path/gateway.sock")
	if err == nil {
		t.Error("expected error connecting to nonexistent socket")
	}
}
