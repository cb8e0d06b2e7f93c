// Package main provides a CI-friendly WebSocket smoke test for the Relay chat server.
//
// It validates:
//   - handshake with Origin + token query auth
//   - join announcement fanout
//   - online_status recompute on connect
//   - message fanout to another client
//   - heartbeat acceptance
//   - leave announcement on disconnect
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16 // matches the server read limit

// serverFrame is the union of all server frame shapes, decoded loosely.
type serverFrame struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	User    string          `json:"user"`
	Users   []v1.OnlineUser `json:"users"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan serverFrame
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "WebSocket base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to connect to")
		tokenA  = flag.String("token-a", "", "JWT for the first client")
		tokenB  = flag.String("token-b", "", "JWT for the second client")
		userA   = flag.String("user-a", "", "Expected username of the first client in server frames")
		userB   = flag.String("user-b", "", "Expected username of the second client in server frames")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", roomURL(*baseURL, *roomID, *tokenA), *origin, *timeout)
	defer closeWS(a.conn)

	// A observes its own join and the initial member list.
	a.mustReadUntilType(root, v1.TypeJoin, *timeout, nil)
	a.mustReadUntilType(root, v1.TypeOnlineStatus, *timeout, nil)

	b := mustConnect(root, "B", roomURL(*baseURL, *roomID, *tokenB), *origin, *timeout)
	defer closeWS(b.conn)

	joinB := a.mustReadUntilType(root, v1.TypeJoin, *timeout, nil)
	if *userB != "" && joinB.User != *userB {
		fatalf("join user mismatch: got=%q want=%q", joinB.User, *userB)
	}
	b.mustReadUntilType(root, v1.TypeJoin, *timeout, nil)
	status := b.mustReadUntilType(root, v1.TypeOnlineStatus, *timeout, nil)
	if len(status.Users) == 0 {
		fatalf("online_status has no users (B)")
	}

	if *verbose {
		fmt.Printf("connected: room=%s online=%d origin=%q\n", *roomID, len(status.Users), *origin)
	}

	// Heartbeats are liveness only; the server never acks them.
	mustWriteWithTimeout(root, a.conn, map[string]string{"type": "heartbeat"}, *timeout)

	mustWriteWithTimeout(root, a.conn, map[string]string{"message": *text}, *timeout)

	skip := map[string]struct{}{v1.TypeOnlineStatus: {}, v1.TypeJoin: {}}
	for _, c := range []*smokeClient{a, b} {
		msg := c.mustReadUntilType(root, v1.TypeMessage, *timeout, skip)
		if msg.Message != *text {
			fatalf("message text mismatch (%s): got=%q want=%q", c.name, msg.Message, *text)
		}
		if *userA != "" && msg.User != *userA {
			fatalf("message sender mismatch (%s): got=%q want=%q", c.name, msg.User, *userA)
		}
	}

	closeWS(b.conn)

	leave := a.mustReadUntilType(root, v1.TypeLeave, *timeout, skip)
	if *userB != "" && leave.User != *userB {
		fatalf("leave user mismatch: got=%q want=%q", leave.User, *userB)
	}

	fmt.Printf("OK: room=%s sender=%q text=%q\n", *roomID, leave.User, *text)
}

func roomURL(base, roomID, token string) string {
	return strings.TrimRight(base, "/") + "/ws/chat/" + url.PathEscape(roomID) + "?token=" + url.QueryEscape(token)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan serverFrame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f serverFrame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if strings.TrimSpace(f.Type) == "" {
				select {
				case c.errCh <- errors.New("frame missing type"):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) serverFrame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if skipTypes != nil {
				if _, ok := skipTypes[f.Type]; ok {
					continue
				}
			}
			// online_users_update can interleave on shared infrastructure; tolerate it.
			if f.Type == v1.TypeOnlineUsersUpdate {
				continue
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, frame any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
