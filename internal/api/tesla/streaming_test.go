package tesla

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// newStreamServer 启动一个 WebSocket 服务端，handler 结束后连接关闭
func newStreamServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readSubscribe(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	var req map[string]string
	if err := conn.ReadJSON(&req); err != nil {
		t.Errorf("read subscribe: %v", err)
	}
	return req
}

func sendFrame(conn *websocket.Conn, binary bool, frame map[string]interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return conn.WriteMessage(mt, data)
}

func hello() map[string]interface{} {
	return map[string]interface{}{"msg_type": MsgHello, "connection_timeout": 30000}
}

// drain 读到对端关闭为止
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestParseStreamMessage(t *testing.T) {
	cases := []struct {
		frame      string
		update     bool
		hello      bool
		disconnect bool
		timeout    bool
	}{
		{frame: `{"msg_type":"control:hello","connection_timeout":30000}`, hello: true},
		{frame: `{"msg_type":"data:update","tag":"2002","value":"1,2"}`, update: true},
		{frame: `{"msg_type":"data:error","tag":"2002","error_type":"vehicle_disconnected"}`, disconnect: true},
		{frame: `{"msg_type":"data:error","error_type":"vehicle disconnected"}`, disconnect: true},
		{frame: `{"msg_type":"data:error","error_type":"timeout"}`, timeout: true},
		{frame: `{"msg_type":"data:error","error_type":"client_error","value":"Can't validate token."}`},
	}
	for _, tc := range cases {
		msg, err := ParseStreamMessage([]byte(tc.frame))
		if err != nil {
			t.Errorf("%s: %v", tc.frame, err)
			continue
		}
		if msg.IsUpdate() != tc.update || msg.IsHello() != tc.hello ||
			msg.IsDisconnect() != tc.disconnect || msg.IsTimeout() != tc.timeout {
			t.Errorf("%s: update=%v hello=%v disconnect=%v timeout=%v", tc.frame,
				msg.IsUpdate(), msg.IsHello(), msg.IsDisconnect(), msg.IsTimeout())
		}
	}

	for _, bad := range []string{`not json`, `[1,2]`, `{"tag":"1"}`, `null`} {
		if _, err := ParseStreamMessage([]byte(bad)); err == nil {
			t.Errorf("ParseStreamMessage(%s) succeeded, want error", bad)
		}
	}
}

func TestStreamMessageUnexpectedAttrs(t *testing.T) {
	msg, err := ParseStreamMessage([]byte(`{"msg_type":"data:update","tag":"1","surprise":true}`))
	if err != nil {
		t.Fatal(err)
	}
	missing, extra := msg.unexpectedAttrs()
	if len(missing) != 1 || missing[0] != "value" {
		t.Errorf("missing = %v", missing)
	}
	if len(extra) != 1 || extra[0] != "surprise" {
		t.Errorf("extra = %v", extra)
	}

	tag, err := msg.TagID()
	if err != nil || tag != 1 {
		t.Errorf("TagID = %d, %v", tag, err)
	}
}

func TestStreamSubscribeAndReceive(t *testing.T) {
	record := "1700000000000,55,12345.6,80,100,90,37.1,-122.2,12,D,200,190,91"
	url := newStreamServer(t, func(conn *websocket.Conn) {
		req := readSubscribe(t, conn)
		if req["msg_type"] != MsgSubscribeOAuth || req["token"] != "access" || req["tag"] != "2002" {
			t.Errorf("subscribe = %v", req)
		}
		if req["value"] != DefaultSchema().SubscribeValue() {
			t.Errorf("subscribe value = %q", req["value"])
		}
		sendFrame(conn, false, hello())
		sendFrame(conn, true, map[string]interface{}{"msg_type": MsgUpdate, "tag": "2002", "value": record})
		sendFrame(conn, false, map[string]interface{}{"msg_type": MsgError, "tag": "2002", "error_type": "vehicle_disconnected"})
		drain(conn)
	})

	ctx := context.Background()
	conn, err := DialStream(ctx, zap.NewNop(), url)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, "access", DefaultSchema(), testVehicleID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg, err := conn.Next(ctx)
	if err != nil || msg == nil || !msg.IsUpdate() {
		t.Fatalf("Next = %v, %v; want update", msg, err)
	}
	if msg.Value != record {
		t.Errorf("value = %q", msg.Value)
	}

	msg, err = conn.Next(ctx)
	if err != nil || msg == nil || !msg.IsDisconnect() {
		t.Fatalf("Next = %v, %v; want disconnect", msg, err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	conn.Close()
}

func TestStreamSubscribeRequiresHello(t *testing.T) {
	url := newStreamServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		sendFrame(conn, false, map[string]interface{}{"msg_type": MsgError, "error_type": "client_error", "value": "Can't validate token."})
		drain(conn)
	})

	ctx := context.Background()
	conn, err := DialStream(ctx, zap.NewNop(), url)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer conn.Close()

	err = conn.Subscribe(ctx, "access", DefaultSchema(), testVehicleID)
	var se *SessionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SessionError", err)
	}
}

func TestStreamNextTimeout(t *testing.T) {
	url := newStreamServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		sendFrame(conn, false, hello())
		drain(conn)
	})

	ctx := context.Background()
	conn, err := DialStream(ctx, zap.NewNop(), url)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer conn.Close()
	conn.SetFrameTimeout(100 * time.Millisecond)

	if err := conn.Subscribe(ctx, "access", DefaultSchema(), testVehicleID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	msg, err := conn.Next(ctx)
	if err != nil || msg == nil || !msg.IsTimeout() {
		t.Fatalf("Next = %v, %v; want timeout", msg, err)
	}
}

func TestStreamNextCancel(t *testing.T) {
	url := newStreamServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		sendFrame(conn, false, hello())
		drain(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := DialStream(ctx, zap.NewNop(), url)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, "access", DefaultSchema(), testVehicleID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = conn.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation was not prompt")
	}
	if !conn.isClosed() {
		t.Error("connection should be closed after cancellation")
	}
}

func TestStreamPeerClose(t *testing.T) {
	url := newStreamServer(t, func(conn *websocket.Conn) {
		readSubscribe(t, conn)
		sendFrame(conn, false, hello())
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(conn)
	})

	ctx := context.Background()
	conn, err := DialStream(ctx, zap.NewNop(), url)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, "access", DefaultSchema(), testVehicleID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	msg, err := conn.Next(ctx)
	if err != nil || msg != nil {
		t.Fatalf("Next = %v, %v; want nil, nil", msg, err)
	}
}
