package tesla

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier 用认证服务公开的签名密钥校验 JWT 的签名、audience 和过期时间
type JWKSVerifier struct {
	httpClient *http.Client
	authHost   string
	audiences  map[string][]string
}

// NewJWKSVerifier 创建校验器
//
// audience 规则: id_token -> 客户端 ID; refresh_token -> token 接口;
// access_token -> API host 或 userinfo 接口。
func NewJWKSVerifier(httpClient *http.Client, authHost, apiHost, clientID string) *JWKSVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(authHost, "/") + "/oauth2/v3"
	if clientID == "" {
		clientID = "ownerapi"
	}
	return &JWKSVerifier{
		httpClient: httpClient,
		authHost:   strings.TrimRight(authHost, "/"),
		audiences: map[string][]string{
			"id_token":      {clientID},
			"refresh_token": {TokenURL(authHost)},
			"access_token":  {strings.TrimRight(apiHost, "/"), base + "/userinfo"},
		},
	}
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Verify 校验 tokens 中带 audience 规则的令牌
func (v *JWKSVerifier) Verify(ctx context.Context, tokens map[string]string) error {
	var todo []string
	for name := range tokens {
		if _, ok := v.audiences[name]; ok && tokens[name] != "" {
			todo = append(todo, name)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	for _, name := range todo {
		token, err := parser.Parse(tokens[name], func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if key, ok := keys[kid]; ok {
				return key, nil
			}
			if kid == "" && len(keys) == 1 {
				for _, key := range keys {
					return key, nil
				}
			}
			return nil, fmt.Errorf("no signing key for kid %q", kid)
		})
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		aud, err := token.Claims.GetAudience()
		if err != nil {
			return fmt.Errorf("verify %s audience: %w", name, err)
		}
		if !audienceMatches(aud, v.audiences[name]) {
			return fmt.Errorf("verify %s: audience %v not in %v", name, aud, v.audiences[name])
		}
	}
	return nil
}

func audienceMatches(got jwt.ClaimStrings, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

// fetchKeys 通过 openid-configuration 找到 jwks_uri，失败时回退到默认地址
func (v *JWKSVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	jwksURI := v.authHost + "/oauth2/v3/discovery/keys"

	var wellKnown struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := v.getJSON(ctx, v.authHost+"/oauth2/v3/.well-known/openid-configuration", &wellKnown); err == nil && wellKnown.JwksURI != "" {
		jwksURI = wellKnown.JwksURI
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := v.getJSON(ctx, jwksURI, &set); err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no RSA keys in %s", jwksURI)
	}
	return keys, nil
}

func (v *JWKSVerifier) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status=%d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
