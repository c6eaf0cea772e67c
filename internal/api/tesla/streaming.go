package tesla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamingHost Tesla Streaming API 地址
const StreamingHost = "wss://streaming.vn.teslamotors.com/streaming/"

// FrameTimeout 单帧等待时间，超时视为良性 timeout
const FrameTimeout = 10 * time.Second

// 流消息类型
const (
	MsgSubscribeOAuth = "data:subscribe_oauth"
	MsgHello          = "control:hello"
	MsgUpdate         = "data:update"
	MsgError          = "data:error"

	ErrorTypeTimeout = "timeout"
)

var reDisconnected = regexp.MustCompile(`vehicle[ _]*disconnected`)

// StreamMessage Streaming API 的一帧
// 参考: https://tesla-api.timdorr.com/vehicle/streaming
type StreamMessage struct {
	MsgType           string      `json:"msg_type"`
	Tag               json.Number `json:"tag,omitempty"`
	Value             string      `json:"value,omitempty"`
	ErrorType         string      `json:"error_type,omitempty"`
	ConnectionTimeout *int        `json:"connection_timeout,omitempty"`

	raw map[string]json.RawMessage
}

// IsDisconnect 车辆断开，良性
func (m *StreamMessage) IsDisconnect() bool {
	return m.ErrorType != "" && reDisconnected.MatchString(m.ErrorType)
}

// IsTimeout 单帧超时，良性
func (m *StreamMessage) IsTimeout() bool {
	return m.ErrorType == ErrorTypeTimeout
}

// IsUpdate 遥测数据
func (m *StreamMessage) IsUpdate() bool {
	return m.ErrorType == "" && m.MsgType == MsgUpdate
}

// IsHello 握手成功
func (m *StreamMessage) IsHello() bool {
	return m.ErrorType == "" && m.MsgType == MsgHello
}

// TagID tag 转为车辆 ID
func (m *StreamMessage) TagID() (int64, error) {
	if m.Tag == "" {
		return 0, fmt.Errorf("message has no tag")
	}
	return strconv.ParseInt(m.Tag.String(), 10, 64)
}

func (m *StreamMessage) String() string {
	data, _ := json.Marshal(m.raw)
	return string(data)
}

// 各消息类型的必需字段和可选字段
var messageAttrs = map[string]struct{ required, optional []string }{
	MsgHello:  {required: []string{"msg_type", "connection_timeout"}},
	MsgUpdate: {required: []string{"msg_type", "tag", "value"}},
	MsgError:  {required: []string{"msg_type", "error_type"}, optional: []string{"tag", "value"}},
}

// ParseStreamMessage 解析一帧
func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("stream message is not an object")
	}
	if _, ok := raw["msg_type"]; !ok {
		return nil, fmt.Errorf("stream message has no msg_type: %s", data)
	}
	msg := &StreamMessage{raw: raw}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	return msg, nil
}

// unexpectedAttrs 返回缺失字段和未知字段
func (m *StreamMessage) unexpectedAttrs() (missing, extra []string) {
	want, ok := messageAttrs[m.MsgType]
	allowed := make(map[string]bool)
	for _, a := range want.required {
		allowed[a] = true
		if _, ok := m.raw[a]; !ok {
			missing = append(missing, a)
		}
	}
	for _, a := range want.optional {
		allowed[a] = true
	}
	if !ok {
		return nil, nil
	}
	for a := range m.raw {
		if !allowed[a] {
			extra = append(extra, a)
		}
	}
	return missing, extra
}

// timeoutMessage 读超时时合成的消息
func timeoutMessage() *StreamMessage {
	return &StreamMessage{
		MsgType:   MsgError,
		ErrorType: ErrorTypeTimeout,
		raw: map[string]json.RawMessage{
			"msg_type":   json.RawMessage(`"` + MsgError + `"`),
			"error_type": json.RawMessage(`"` + ErrorTypeTimeout + `"`),
		},
	}
}

// StreamConn 一次流式会话的 WebSocket 连接
type StreamConn struct {
	logger       *zap.Logger
	conn         *websocket.Conn
	frameTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

// DialStream 建立流式连接，ctx 取消时连接会被关闭
func DialStream(ctx context.Context, logger *zap.Logger, host string) (*StreamConn, error) {
	if host == "" {
		host = StreamingHost
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, host, nil)
	if err != nil {
		return nil, fmt.Errorf("dial streaming: %w", err)
	}

	c := &StreamConn{
		logger:       logger,
		conn:         conn,
		frameTimeout: FrameTimeout,
		stop:         make(chan struct{}),
	}
	// 取消时关闭连接以解除阻塞的读取
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.stop:
		}
	}()
	return c, nil
}

// SetFrameTimeout 修改单帧超时
func (c *StreamConn) SetFrameTimeout(d time.Duration) {
	c.frameTimeout = d
}

// Subscribe 发送订阅请求并等待 control:hello
func (c *StreamConn) Subscribe(ctx context.Context, token string, schema *Schema, tag int64) error {
	req := map[string]string{
		"msg_type": MsgSubscribeOAuth,
		"token":    token,
		"value":    schema.SubscribeValue(),
		"tag":      strconv.FormatInt(tag, 10),
	}
	c.logger.Debug("Streaming subscribe",
		zap.Int64("tag", tag),
		zap.String("value", req["value"]),
		zap.String("token", MaskValue(token)))

	c.conn.SetWriteDeadline(time.Now().Add(c.frameTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return c.wrapErr(ctx, fmt.Errorf("send subscribe: %w", err))
	}

	msg, err := c.Next(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return &SessionError{Msg: "streaming error: did not get first message after subscribe"}
	}
	if !msg.IsHello() {
		c.logger.Error("Expected control:hello", zap.Stringer("msg", msg))
		return &SessionError{Msg: fmt.Sprintf("streaming error: expected %q but got %s", MsgHello, msg)}
	}
	return nil
}

// Next 读取下一帧
//
// 读超时返回合成的 timeout 消息；连接关闭返回 nil, nil；ctx 取消返回 ctx.Err()。
func (c *StreamConn) Next(ctx context.Context) (*StreamMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.frameTimeout))
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.logger.Debug("Timeout waiting for next message")
			return timeoutMessage(), nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			c.logger.Debug("Streaming connection closed by peer")
			return nil, nil
		}
		if c.isClosed() {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream message: %w", err)
	}
	if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
		c.logger.Error("Unexpected websocket message type", zap.Int("type", mt))
		return nil, nil
	}

	msg, err := ParseStreamMessage(data)
	if err != nil {
		return nil, &SessionError{Msg: "streaming error", Body: data, Reason: err.Error()}
	}
	if missing, extra := msg.unexpectedAttrs(); len(missing) > 0 || len(extra) > 0 {
		c.logger.Warn("Unexpected attributes in stream message",
			zap.Strings("missing", missing),
			zap.Strings("extra", extra),
			zap.Stringer("msg", msg))
	}
	return msg, nil
}

func (c *StreamConn) wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *StreamConn) isClosed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Close 关闭连接，可重复调用
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
