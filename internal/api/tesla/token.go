package tesla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Token 认证令牌
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // 秒
	CreatedAt    int64  `json:"created_at"` // unix 秒
}

// ExpiresAt 过期时间，任一时间戳缺失时返回零值
func (t *Token) ExpiresAt() time.Time {
	if t.CreatedAt == 0 || t.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.Unix(t.CreatedAt+t.ExpiresIn, 0).UTC()
}

// IsExpired 检查 token 是否过期
func (t *Token) IsExpired() bool {
	return t.isExpiredAt(time.Now())
}

func (t *Token) isExpiredAt(now time.Time) bool {
	exp := t.ExpiresAt()
	return exp.IsZero() || now.After(exp)
}

// 可被刷新接口更新的字段
var tokenFields = []string{"access_token", "refresh_token", "id_token", "token_type", "expires_in"}

func (t *Token) field(name string) string {
	switch name {
	case "access_token":
		return t.AccessToken
	case "refresh_token":
		return t.RefreshToken
	case "id_token":
		return t.IDToken
	case "token_type":
		return t.TokenType
	case "expires_in":
		if t.ExpiresIn == 0 {
			return ""
		}
		return strconv.FormatInt(t.ExpiresIn, 10)
	case "created_at":
		if t.CreatedAt == 0 {
			return ""
		}
		return strconv.FormatInt(t.CreatedAt, 10)
	}
	return ""
}

func (t *Token) setField(name, val string) error {
	switch name {
	case "access_token":
		t.AccessToken = val
	case "refresh_token":
		t.RefreshToken = val
	case "id_token":
		t.IDToken = val
	case "token_type":
		t.TokenType = val
	case "expires_in", "created_at":
		var n int64
		if val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			n = int64(f)
		}
		if name == "expires_in" {
			t.ExpiresIn = n
		} else {
			t.CreatedAt = n
		}
	default:
		return fmt.Errorf("unknown token field %q", name)
	}
	return nil
}

// RefreshListener 令牌刷新后的回调，参数为实际变化的字段
type RefreshListener func(ctx context.Context, changes map[string]string) error

// SyncListener 把普通函数适配为 RefreshListener
func SyncListener(fn func(changes map[string]string)) RefreshListener {
	return func(_ context.Context, changes map[string]string) error {
		fn(changes)
		return nil
	}
}

type namedListener struct {
	name string
	fn   RefreshListener
}

// TokenVerifier 校验刷新得到的 JWT
type TokenVerifier interface {
	Verify(ctx context.Context, tokens map[string]string) error
}

// TokenStoreConfig TokenStore 配置
type TokenStoreConfig struct {
	AuthHost   string // 例如 https://auth.tesla.com
	ClientID   string
	HTTPClient *http.Client
	Verifier   TokenVerifier // 为 nil 时跳过校验
}

// TokenStore 持有令牌并负责刷新
type TokenStore struct {
	logger     *zap.Logger
	httpClient *http.Client
	tokenURL   string
	clientID   string
	verifier   TokenVerifier

	mu        sync.RWMutex
	token     Token
	listeners []namedListener

	group singleflight.Group
	now   func() time.Time
}

// NewTokenStore 创建 TokenStore
func NewTokenStore(logger *zap.Logger, cfg TokenStoreConfig, token Token) *TokenStore {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ownerapi"
	}
	return &TokenStore{
		logger:     logger,
		httpClient: httpClient,
		tokenURL:   TokenURL(cfg.AuthHost),
		clientID:   clientID,
		verifier:   cfg.Verifier,
		token:      token,
		now:        time.Now,
	}
}

// TokenURL 刷新接口地址
func TokenURL(authHost string) string {
	return strings.TrimRight(authHost, "/") + "/oauth2/v3/token"
}

// Token 返回当前令牌副本
func (s *TokenStore) Token() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set 替换整个令牌
func (s *TokenStore) Set(token Token) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// AccessToken 获取 access token
func (s *TokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.AccessToken
}

// SetAccessToken 设置 access token
func (s *TokenStore) SetAccessToken(val string) {
	s.mu.Lock()
	s.token.AccessToken = strings.TrimSpace(val)
	s.mu.Unlock()
}

// RefreshToken 获取 refresh token
func (s *TokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.RefreshToken
}

// SetRefreshToken 设置 refresh token
func (s *TokenStore) SetRefreshToken(val string) {
	s.mu.Lock()
	s.token.RefreshToken = strings.TrimSpace(val)
	s.mu.Unlock()
}

// IDToken 获取 id token
func (s *TokenStore) IDToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.IDToken
}

// SetIDToken 设置 id token
func (s *TokenStore) SetIDToken(val string) {
	s.mu.Lock()
	s.token.IDToken = strings.TrimSpace(val)
	s.mu.Unlock()
}

// ExpiresAt 过期时间
func (s *TokenStore) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.ExpiresAt()
}

// Expired 是否已过期
func (s *TokenStore) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.isExpiredAt(s.now())
}

// AddRefreshListener 注册刷新回调；同名重复注册会移到末尾
func (s *TokenStore) AddRefreshListener(name string, fn RefreshListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.name == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	s.listeners = append(s.listeners, namedListener{name: name, fn: fn})
}

// refreshTimeout 共享刷新请求的超时
const refreshTimeout = 30 * time.Second

// Refresh 刷新令牌，返回实际变化的字段
//
// 并发调用共享同一次请求。请求本身不随任一调用方取消，调用方取消时只是提前返回。
func (s *TokenStore) Refresh(ctx context.Context) (map[string]string, error) {
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("Token refresh shared with concurrent caller")
		}
		return res.Val.(map[string]string), nil
	}
}

func (s *TokenStore) refresh(ctx context.Context) (map[string]string, error) {
	current := s.Token()
	if current.AccessToken == "" || current.RefreshToken == "" {
		return nil, &CredentialError{Msg: "must have both access and refresh tokens to refresh"}
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     s.clientID,
		"refresh_token": current.RefreshToken,
		"scope":         "openid email offline_access",
	})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+current.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &CredentialError{Msg: "refresh token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CredentialError{Msg: "read refresh response", Err: err}
	}

	fresh, err := decodeTokenResponse(body)
	if resp.StatusCode != http.StatusOK || err != nil {
		return nil, &CredentialError{
			Msg: fmt.Sprintf("unexpected response from token refresh: status=%d content_type=%q body=%s",
				resp.StatusCode, resp.Header.Get("Content-Type"), MaskValue(string(body))),
			Err: err,
		}
	}

	updates := make(map[string]string)
	for _, key := range tokenFields {
		val, ok := fresh[key]
		if !ok {
			continue
		}
		if val != current.field(key) {
			updates[key] = val
		}
	}

	if len(updates) == 0 {
		s.logger.Debug("Nothing updated after token refresh")
		return updates, nil
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, updates); err != nil {
			return nil, &CredentialError{Msg: "verify refreshed tokens", Err: err}
		}
	} else {
		s.logger.Warn("Token verification unavailable, accepting refreshed tokens unverified")
	}

	createdAt := s.now().Unix()
	s.mu.Lock()
	next := s.token
	for key, val := range updates {
		if err := next.setField(key, val); err != nil {
			s.mu.Unlock()
			return nil, &CredentialError{Msg: "apply refreshed tokens", Err: err}
		}
	}
	next.CreatedAt = createdAt
	s.token = next
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()

	updates["created_at"] = strconv.FormatInt(createdAt, 10)

	s.logger.Info("Token refreshed",
		zap.Strings("fields", changedKeys(updates)),
		zap.Time("expires_at", next.ExpiresAt()))

	s.notify(ctx, listeners, updates)
	return updates, nil
}

func (s *TokenStore) notify(ctx context.Context, listeners []namedListener, updates map[string]string) {
	called := 0
	for _, l := range listeners {
		if l.fn == nil {
			s.logger.Error("Cannot invoke refresh listener", zap.String("listener", l.name))
			continue
		}
		// 每个回调拿到独立副本
		changes := make(map[string]string, len(updates))
		for k, v := range updates {
			changes[k] = v
		}
		if err := l.fn(ctx, changes); err != nil {
			s.logger.Error("Refresh listener failed", zap.String("listener", l.name), zap.Error(err))
		}
		called++
	}
	if len(listeners) > 0 && called == 0 {
		s.logger.Error("Token refreshed but no listener invoked, refreshed tokens may be lost")
	}
}

// decodeTokenResponse 解析刷新响应，数值字段保留原始文本
func decodeTokenResponse(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("token response is not an object")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func changedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for _, k := range append(tokenFields, "created_at") {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
