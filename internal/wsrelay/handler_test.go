package wsrelay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codecollab/relay/internal/docstate"
	"github.com/codecollab/relay/internal/quota"
	"github.com/codecollab/relay/internal/room"
)

func newTestServer(t *testing.T, maxClientsPerRoom int) (*httptest.Server, *room.Registry, *quota.Table) {
	t.Helper()
	docs := docstate.NewRegistry(nil)
	rooms := room.NewRegistry(docs, nil)
	q := quota.NewTable(10)
	h := NewHandler(rooms, q, nil, maxClientsPerRoom, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, rooms, q
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *websocket.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	return conn, resp
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			break
		}
	}
	return -1
}

func TestDefaultPathClosesWithProbeCode(t *testing.T) {
	srv, _, _ := newTestServer(t, 50)
	conn, _ := dial(t, srv, "/default")
	defer conn.Close()

	if code := readCloseCode(t, conn); code != 1000 {
		t.Fatalf("expected close code 1000, got %d", code)
	}
}

func TestRootPathClosesWithProbeCode(t *testing.T) {
	srv, _, _ := newTestServer(t, 50)
	conn, _ := dial(t, srv, "/")
	defer conn.Close()

	if code := readCloseCode(t, conn); code != 1000 {
		t.Fatalf("expected close code 1000, got %d", code)
	}
}

func TestUnsupportedRoomClosesWithPolicyViolation(t *testing.T) {
	srv, _, _ := newTestServer(t, 50)
	conn, _ := dial(t, srv, "/not-a-real-room")
	defer conn.Close()

	if code := readCloseCode(t, conn); code != 1008 {
		t.Fatalf("expected close code 1008, got %d", code)
	}
}

func TestHappyRelayTwoClientsCodeEditorRoom(t *testing.T) {
	srv, rooms, _ := newTestServer(t, 50)

	a, _ := dial(t, srv, "/repo-7-src/main.ts")
	defer a.Close()
	b, _ := dial(t, srv, "/repo-7-src/main.ts")
	defer b.Close()

	time.Sleep(50 * time.Millisecond)
	if rooms.ActiveClientCount("repo-7-src/main.ts") != 2 {
		t.Fatalf("expected 2 active clients, got %d", rooms.ActiveClientCount("repo-7-src/main.ts"))
	}

	payload := []byte{0x01, 0x02}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %v, got %v", payload, got)
	}
}

func TestFileTreeTypedBroadcastRelaysByteForByte(t *testing.T) {
	srv, _, _ := newTestServer(t, 50)

	a, _ := dial(t, srv, "/filetree-42")
	defer a.Close()
	b, _ := dial(t, srv, "/filetree-42")
	defer b.Close()

	time.Sleep(50 * time.Millisecond)

	payload := []byte(`{"type":"fileTree","action":"create","data":{"fileId":9,"fileName":"x.ts"}}`)
	if err := a.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected identical bytes, got %s", got)
	}
}

func TestFileTreeMalformedJSONStillRelayed(t *testing.T) {
	srv, _, _ := newTestServer(t, 50)

	a, _ := dial(t, srv, "/filetree-42")
	defer a.Close()
	b, _ := dial(t, srv, "/filetree-42")
	defer b.Close()

	time.Sleep(50 * time.Millisecond)

	payload := []byte(`not valid json`)
	if err := a.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected malformed payload relayed byte-for-byte, got %s", got)
	}
}

func TestIPQuotaRejectsEleventhConnection(t *testing.T) {
	srv, _, q := newTestServer(t, 50)

	var conns []*websocket.Conn
	for i := 0; i < 10; i++ {
		c, _ := dial(t, srv, "/repo-1-a.ts")
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	time.Sleep(50 * time.Millisecond)

	overflow, _ := dial(t, srv, "/repo-1-a.ts")
	defer overflow.Close()

	if code := readCloseCode(t, overflow); code != 1008 {
		t.Fatalf("expected 11th connection closed with 1008, got %d", code)
	}
	if got := q.Count("127.0.0.1", "repo-1-a.ts"); got != 10 {
		t.Fatalf("expected quota count to remain at 10, got %d", got)
	}
}

func TestRoomCapacityRejectsOverflowConnection(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	first, _ := dial(t, srv, "/filetree-1")
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	overflow, _ := dial(t, srv, "/filetree-1")
	defer overflow.Close()

	if code := readCloseCode(t, overflow); code != 1008 {
		t.Fatalf("expected capacity overflow closed with 1008, got %d", code)
	}
}
