package tesla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultAPIHost owner API 地址
	DefaultAPIHost = "https://owner-api.teslamotors.com"
	// DefaultAuthHost 认证服务地址
	DefaultAuthHost = "https://auth.tesla.com"

	// MaxAttempts 单次请求最多尝试次数
	MaxAttempts = 20

	invalidBearerToken = "invalid bearer token"
)

// Backoff 第 attempt 次失败后的等待时间: 1.00784 × π × (attempt+1) 秒
func Backoff(attempt int) time.Duration {
	secs := 1.00784 * math.Pi * float64(attempt+1)
	return time.Duration(secs * float64(time.Second))
}

// Envelope 单次 Request 调用的结果
type Envelope struct {
	Method           string          `json:"method"`
	URL              string          `json:"url"`
	Attempt          int             `json:"attempt"`
	Status           int             `json:"status"`
	Response         json.RawMessage `json:"response,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Decode 将 response 字段解码到 v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Response) == 0 {
		return fmt.Errorf("empty response")
	}
	dec := json.NewDecoder(bytes.NewReader(e.Response))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client Tesla owner API 客户端
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	apiHost    string
	userAgent  string
	tokens     *TokenStore
	verbose    bool

	// Authorization 头只在本客户端刷新令牌后改写
	mu         sync.RWMutex
	authHeader string

	requestCount atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithHTTPClient 使用自定义 http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent 设置 User-Agent
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithVerbose 输出请求/响应详细调试日志
func WithVerbose(v bool) ClientOption {
	return func(c *Client) { c.verbose = v }
}

// NewClient 创建新的 Tesla API 客户端
func NewClient(logger *zap.Logger, apiHost string, tokens *TokenStore, opts ...ClientOption) *Client {
	if apiHost == "" {
		apiHost = DefaultAPIHost
	}
	c := &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiHost:   strings.TrimRight(apiHost, "/"),
		userAgent: "teslink/1.0",
		tokens:    tokens,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setAuthHeader(tokens.AccessToken())
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TokenStore 返回令牌存储
func (c *Client) TokenStore() *TokenStore {
	return c.tokens
}

// AccessToken 当前 access token，streaming 订阅使用
func (c *Client) AccessToken() string {
	return c.tokens.AccessToken()
}

// SetToken 替换令牌并同步 Authorization 头
func (c *Client) SetToken(token Token) {
	c.tokens.Set(token)
	c.setAuthHeader(token.AccessToken)
}

// RequestCount 已发出的 HTTP 请求数
func (c *Client) RequestCount() int64 {
	return c.requestCount.Load()
}

// APIHost API 地址
func (c *Client) APIHost() string {
	return c.apiHost
}

func (c *Client) setAuthHeader(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		c.authHeader = ""
		return
	}
	c.authHeader = "Bearer " + token
}

func (c *Client) getAuthHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authHeader
}

// String 会话摘要
func (c *Client) String() string {
	buf := "<Session"
	if n := c.RequestCount(); n > 0 {
		buf += fmt.Sprintf(" requests=%d", n)
	}
	if c.tokens.AccessToken() != "" {
		if c.tokens.Expired() {
			buf += " EXPIRED"
		} else {
			buf += fmt.Sprintf(" expires=%s", time.Until(c.tokens.ExpiresAt()).Round(time.Second))
		}
	}
	return buf + ">"
}

// Get 发送 GET 请求
func (c *Client) Get(ctx context.Context, path string) (*Envelope, error) {
	return c.Request(ctx, http.MethodGet, path, nil, 3)
}

// Post 发送 POST 请求
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Envelope, error) {
	return c.Request(ctx, http.MethodPost, path, body, 3)
}

// Call 按能力表名称发起请求
func (c *Client) Call(ctx context.Context, name string, params map[string]string, body interface{}, attempts int) (*Envelope, error) {
	ep, err := LookupEndpoint(name)
	if err != nil {
		return nil, err
	}
	path, err := ep.Path(params)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, ep.Method, path, body, attempts, ep.Auth)
}

// Request 执行带认证的请求
//
// 408 和 5xx 会按 Backoff 重试，最多 attempts 次（上限 20）。
// 401 invalid bearer token 时刷新令牌并额外重试一次，不计入 attempts。
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, attempts int) (*Envelope, error) {
	return c.request(ctx, method, path, body, attempts, true)
}

// request auth 为 false 时不带 Authorization 头，401 也不刷新令牌
func (c *Client) request(ctx context.Context, method, path string, body interface{}, attempts int, auth bool) (*Envelope, error) {
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("%q is not a supported method, only GET and POST are supported", method)
	}
	if attempts < 1 {
		return nil, fmt.Errorf("attempts must be a positive integer, not %d", attempts)
	}
	if attempts > MaxAttempts {
		attempts = MaxAttempts
	}
	if method == http.MethodPost && body == nil {
		body = map[string]interface{}{}
	}

	url := c.apiHost + path
	refreshed := false

	var env *Envelope
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.do(ctx, method, url, body, auth)
		if err != nil {
			return nil, err
		}

		if auth && res.status == http.StatusUnauthorized && res.invalidBearer() && !refreshed {
			refreshed = true
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return nil, err
			}
			c.setAuthHeader(c.tokens.AccessToken())
			res, err = c.do(ctx, method, url, body, auth)
			if err != nil {
				return nil, err
			}
		}

		env = res.envelope(method, url, attempt)

		if res.status != http.StatusRequestTimeout && res.status < 500 {
			if res.status >= 400 {
				return nil, res.sessionError("request failed")
			}
			return env, nil
		}

		if attempt < attempts {
			wait := Backoff(attempt)
			c.logger.Warn("Retrying request",
				zap.Int64("req", c.RequestCount()),
				zap.Int("status", res.status),
				zap.Int("attempt", attempt),
				zap.Int("attempts", attempts),
				zap.Duration("wait", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		msg := fmt.Sprintf("received status %d", res.status)
		if attempts > 1 {
			msg = fmt.Sprintf("received status %d on attempt %d of %d", res.status, attempt, attempts)
		}
		return nil, res.sessionError(msg)
	}
	return env, nil
}

// rawResponse 单次 HTTP 往返结果
type rawResponse struct {
	status  int
	reason  string
	header  http.Header
	body    []byte
	payload map[string]interface{}
}

func (r *rawResponse) errorText() string {
	if s, ok := r.payload["error"].(string); ok {
		return s
	}
	return ""
}

func (r *rawResponse) invalidBearer() bool {
	if strings.Contains(strings.ToLower(r.errorText()), invalidBearerToken) {
		return true
	}
	return strings.Contains(strings.ToLower(r.header.Get("WWW-Authenticate")), invalidBearerToken)
}

func (r *rawResponse) envelope(method, url string, attempt int) *Envelope {
	env := &Envelope{
		Method:    method,
		URL:       url,
		Attempt:   attempt,
		Status:    r.status,
		Error:     r.errorText(),
		Timestamp: time.Now().UTC(),
	}
	if desc, ok := r.payload["error_description"].(string); ok {
		env.ErrorDescription = desc
	}
	if resp, ok := r.payload["response"]; ok && resp != nil {
		env.Response, _ = json.Marshal(resp)
	}
	if env.Error == "" && r.status >= 400 {
		env.Error = r.reason
	}
	return env
}

func (r *rawResponse) sessionError(msg string) *SessionError {
	desc, _ := r.payload["error_description"].(string)
	reason := r.errorText()
	if reason == "" {
		reason = r.reason
	}
	return &SessionError{
		Msg:         msg,
		Status:      r.status,
		Body:        r.body,
		Reason:      reason,
		Description: desc,
	}
}

// do 执行一次 HTTP 往返
func (c *Client) do(ctx context.Context, method, url string, body interface{}, auth bool) (*rawResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if header := c.getAuthHeader(); auth && header != "" {
		req.Header.Set("Authorization", header)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	n := c.requestCount.Add(1)
	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &rawResponse{
		status: resp.StatusCode,
		reason: http.StatusText(resp.StatusCode),
		header: resp.Header,
		body:   data,
	}

	// 部分响应不是 JSON（例如 503），统一包装成 map
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "json") && len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&res.payload); err != nil {
			c.logger.Error("Response indicated JSON but decoding failed",
				zap.Int64("req", n), zap.Error(err))
			res.payload = map[string]interface{}{"text": string(data)}
		}
	}
	if res.payload == nil {
		res.payload = map[string]interface{}{}
		if len(data) > 0 {
			res.payload["text"] = string(data)
		}
	}
	if res.status == http.StatusUnauthorized {
		if h := resp.Header.Get("WWW-Authenticate"); h != "" {
			res.payload["error"] = h
		}
	}

	c.debugRequest(n, req, body, res, time.Since(started))
	return res, nil
}

// debugRequest 输出脱敏后的请求日志
func (c *Client) debugRequest(n int64, req *http.Request, body interface{}, res *rawResponse, dur time.Duration) {
	if ce := c.logger.Check(zap.DebugLevel, "Request"); ce == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("req", n),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", res.status),
		zap.Duration("duration", dur),
	}
	if c.verbose {
		fields = append(fields, zap.Any("headers", maskHeaders(req.Header)))
		if m, ok := body.(map[string]interface{}); ok && len(m) > 0 {
			fields = append(fields, zap.String("request", MaskFields(m)))
		}
		if len(res.payload) > 0 {
			fields = append(fields, zap.String("response", MaskFields(res.payload)))
		}
	}
	c.logger.Debug("Req "+strconv.FormatInt(n, 10), fields...)
}

// apiList 解码列表响应
func (c *Client) apiList(ctx context.Context, name string) ([]map[string]interface{}, *Envelope, error) {
	env, err := c.Call(ctx, name, nil, nil, 3)
	if err != nil {
		return nil, nil, err
	}
	var items []map[string]interface{}
	if len(env.Response) == 0 {
		return items, env, nil
	}
	if err := env.Decode(&items); err != nil {
		return nil, env, err
	}
	return items, env, nil
}

// ListVehicles 获取账户下所有车辆的原始信息
func (c *Client) ListVehicles(ctx context.Context) ([]map[string]interface{}, error) {
	items, _, err := c.apiList(ctx, EndpointVehicleList)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	return items, nil
}

// User 获取账户信息
func (c *Client) User(ctx context.Context) (map[string]interface{}, error) {
	env, err := c.Call(ctx, EndpointUser, nil, nil, 3)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	var user map[string]interface{}
	if err := env.Decode(&user); err != nil {
		return nil, err
	}
	return user, nil
}
