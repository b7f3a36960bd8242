package fanout_test

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 mandated by RFC 6455
	"encoding/base64"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tripwire/sentinel/internal/eventstream"
	"github.com/tripwire/sentinel/internal/fanout"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *eventstream.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return eventstream.New(rdb, 0, 0)
}

func TestHandlerRejectsNonWebSocket(t *testing.T) {
	t.Parallel()

	h := fanout.NewHandler(newTestBus(t), eventstream.AlertsStream, "alert", newTestLogger(), time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws/alerts", nil)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUpgradeRequired {
		t.Errorf("expected status %d, got %d", http.StatusUpgradeRequired, rr.Code)
	}
}

func TestHandlerRejectsMissingKey(t *testing.T) {
	t.Parallel()

	h := fanout.NewHandler(newTestBus(t), eventstream.AlertsStream, "alert", newTestLogger(), time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws/alerts", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

// TestHandlerDeliversOnlyPostConnectEntries exercises spec §8 scenario S6
// end-to-end through the real WebSocket framing: entries appended before
// connect must never arrive, and entries appended after connect must.
func TestHandlerDeliversOnlyPostConnectEntries(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := bus.Append(ctx, eventstream.AlertsStream, map[string]string{"n": "pre"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	handler := fanout.NewHandler(bus, eventstream.AlertsStream, "alert", newTestLogger(), 5*time.Second)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /ws/alerts HTTP/1.1\r\n" +
		"Host: " + strings.TrimPrefix(srv.URL, "http://") + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + clientKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	expectedAccept := computeAcceptForTest(clientKey)
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != expectedAccept {
		t.Errorf("Sec-WebSocket-Accept: got %q, want %q", got, expectedAccept)
	}

	// Give the subscriber loop time to read latest_id before appending more.
	time.Sleep(50 * time.Millisecond)
	if _, err := bus.Append(ctx, eventstream.AlertsStream, map[string]string{"n": "post-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	payload := readFrame(t, reader)
	if !strings.Contains(string(payload), "post-1") {
		t.Fatalf("expected the post-connect entry, got %s", payload)
	}
	if strings.Contains(string(payload), `"pre"`) {
		t.Fatalf("must never deliver pre-connect backlog: %s", payload)
	}
}

func readFrame(t *testing.T, reader *bufio.Reader) []byte {
	t.Helper()
	b0, err := reader.ReadByte()
	if err != nil {
		t.Fatalf("read frame byte 0: %v", err)
	}
	b1, err := reader.ReadByte()
	if err != nil {
		t.Fatalf("read frame byte 1: %v", err)
	}
	if b0 != 0x81 {
		t.Fatalf("expected FIN+text frame (0x81), got 0x%02x", b0)
	}
	if b1&0x80 != 0 {
		t.Fatal("server must not mask frames sent to clients (RFC 6455 §5.1)")
	}

	payloadLen := int(b1 & 0x7F)
	switch payloadLen {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(reader, ext); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		payloadLen = int(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(reader, ext); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		payloadLen = int(binary.BigEndian.Uint64(ext))
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func computeAcceptForTest(key string) string {
	const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	//nolint:gosec // SHA-1 mandated by RFC 6455
	h := sha1.New()
	h.Write([]byte(key + guid))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
