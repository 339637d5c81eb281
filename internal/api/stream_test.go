package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialStream(t *testing.T, env *testEnv, header http.Header) *wsClient {
	t.Helper()
	requireShell(t)

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg ClientMessage) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) read() ServerMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

// untilComplete reads messages up to and including the next complete.
func (c *wsClient) untilComplete() []ServerMessage {
	c.t.Helper()
	var msgs []ServerMessage
	for {
		msg := c.read()
		msgs = append(msgs, msg)
		if msg.Type == MsgComplete {
			return msgs
		}
	}
}

func contents(msgs []ServerMessage, typ string) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestStream_RunProtocol(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", FileName: "main.js", Code: "echo one\necho two\necho oops 1>&2\nexit 3"})
	msgs := c.untilComplete()

	if msgs[0].Type != MsgInfo || msgs[0].Content != "Running main.js..." {
		t.Errorf("first message = %+v, want info", msgs[0])
	}
	runID := msgs[0].RunID
	if runID == "" {
		t.Fatal("info message has no runId")
	}
	for _, m := range msgs {
		if m.RunID != runID {
			t.Errorf("message %+v carries runId %q, want %q", m, m.RunID, runID)
		}
	}

	if got := strings.Join(contents(msgs, MsgLog), ","); got != "one,two" {
		t.Errorf("log lines = %q, want one,two", got)
	}
	if got := contents(msgs, MsgError); len(got) != 1 || got[0] != "oops" {
		t.Errorf("error lines = %v, want [oops]", got)
	}

	done := msgs[len(msgs)-1]
	if done.ExitCode == nil || *done.ExitCode != 3 {
		t.Errorf("exitCode = %v, want 3", done.ExitCode)
	}
	if done.ExecutionTimeMs == nil {
		t.Error("complete has no executionTimeMs")
	}
	if !strings.Contains(done.Warning, "code 3") {
		t.Errorf("warning = %q, want it to mention exit code 3", done.Warning)
	}

	entries, err := env.history.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ExitCode != 3 || entries[0].FileName != "main.js" {
		t.Errorf("guest history = %+v", entries)
	}
}

func TestStream_Rejections(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	tests := []struct {
		name string
		msg  ClientMessage
	}{
		{"unsupported language", ClientMessage{Type: MsgRun, Language: "python", Code: "print(1)"}},
		{"empty code", ClientMessage{Type: MsgRun, Language: "javascript", Code: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.msg)
			msgs := c.untilComplete()
			if len(msgs) != 2 || msgs[0].Type != MsgError {
				t.Fatalf("messages = %+v, want error then complete", msgs)
			}
			if msgs[1].RunID != "" {
				t.Errorf("rejected run has runId %q", msgs[1].RunID)
			}
		})
	}

	n, err := env.scratch.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("scratch holds %d files after rejections", n)
	}
}

func TestStream_SecondRunRejectedAndCancel(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo started\nsleep 30"})
	if msg := c.read(); msg.Type != MsgInfo {
		t.Fatalf("first message = %+v, want info", msg)
	}
	if msg := c.read(); msg.Type != MsgLog || msg.Content != "started" {
		t.Fatalf("second message = %+v, want log started", msg)
	}

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo second"})
	rejected := c.untilComplete()
	if contents(rejected, MsgError)[0] != errRunInProgress.Error() {
		t.Errorf("rejection = %+v", rejected)
	}
	if rejected[len(rejected)-1].RunID != "" {
		t.Errorf("rejection complete carries runId %q", rejected[len(rejected)-1].RunID)
	}

	start := time.Now()
	c.send(ClientMessage{Type: MsgCancel})
	msgs := c.untilComplete()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancel took %s", elapsed)
	}
	if got := contents(msgs, MsgError); len(got) != 1 || got[0] != "execution canceled" {
		t.Errorf("error messages = %v, want [execution canceled]", got)
	}

	// The slot is free again.
	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo again"})
	msgs = c.untilComplete()
	if got := contents(msgs, MsgLog); len(got) != 1 || got[0] != "again" {
		t.Errorf("follow-up run logs = %v", got)
	}
}

func TestStream_Timeout(t *testing.T) {
	env := newTestEnv(t, 300*time.Millisecond)
	c := dialStream(t, env, nil)

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "while :; do :; done"})
	msgs := c.untilComplete()

	errs := contents(msgs, MsgError)
	if len(errs) != 1 || !strings.Contains(errs[0], "timed out") {
		t.Errorf("error messages = %v, want one timeout", errs)
	}
	if done := msgs[len(msgs)-1]; done.Warning == "" {
		t.Error("complete after timeout has no warning")
	}
}

func TestStream_AuthMessage(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	c.send(ClientMessage{Type: MsgAuth, Token: env.token(t, "carol")})
	if msg := c.read(); msg.Type != MsgAuth || msg.Principal != "carol" {
		t.Fatalf("auth reply = %+v", msg)
	}

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo hi"})
	c.untilComplete()

	entries, err := env.history.List(context.Background(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("carol entries = %d, want 1", len(entries))
	}

	c.send(ClientMessage{Type: MsgAuth, Token: "garbage"})
	if msg := c.read(); msg.Principal != "guest" {
		t.Errorf("invalid token reply = %+v, want guest", msg)
	}
}

func TestStream_HeaderToken(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	header := http.Header{"Authorization": []string{"Bearer " + env.token(t, "dave")}}
	c := dialStream(t, env, header)

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo hi"})
	c.untilComplete()

	entries, err := env.history.List(context.Background(), "dave")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dave entries = %d, want 1", len(entries))
	}
}

func TestStream_BadMessages(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if msg := c.read(); msg.Type != MsgError || !strings.HasPrefix(msg.Content, "invalid message") {
		t.Errorf("reply = %+v", msg)
	}

	c.send(ClientMessage{Type: "dance"})
	if msg := c.read(); msg.Type != MsgError || !strings.Contains(msg.Content, "dance") {
		t.Errorf("reply = %+v", msg)
	}

	c.send(ClientMessage{Type: MsgCancel})
	if msg := c.read(); msg.Content != "no run in progress" {
		t.Errorf("reply = %+v", msg)
	}
}

func TestStream_DisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, 10*time.Second)
	c := dialStream(t, env, nil)

	c.send(ClientMessage{Type: MsgRun, Language: "javascript", Code: "echo started\nsleep 30"})
	c.read() // info
	c.read() // started
	c.conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := env.scratch.Count()
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 && env.server.handlers.supervisor.Active() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("run was not cleaned up after disconnect")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("empty allow-list rejected a request")
	}
}
