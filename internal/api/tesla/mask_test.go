package tesla

import (
	"net/http"
	"strings"
	"testing"
)

func TestMaskValue(t *testing.T) {
	cases := map[string]string{
		"":                "***",
		"abcd":            "***",
		"abcde":           "abc***cde",
		"eyJhbGciOi.xyz9": "eyJ***yz9",
	}
	for in, want := range cases {
		if got := MaskValue(in); got != want {
			t.Errorf("MaskValue(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abcdefghij": "Bearer a***ij",
		"Bearer abc":        "Bearer *****",
		"Basic Zm9vOmJhcg":  "Basic Zm9vOmJhcg",
		"":                  "",
	}
	for in, want := range cases {
		if got := MaskBearer(in); got != want {
			t.Errorf("MaskBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskFields(t *testing.T) {
	out := MaskFields(map[string]any{
		"password":      "hunter2",
		"access_token":  "secret-access-token",
		"Refresh_Token": "secret-refresh-token",
		"vehicle_id":    12,
	})
	for _, leaked := range []string{"hunter2", "secret-access-token", "secret-refresh-token"} {
		if strings.Contains(out, leaked) {
			t.Errorf("MaskFields leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, `"vehicle_id": 12`) {
		t.Errorf("MaskFields = %s", out)
	}
	if MaskFields(nil) != "{}" {
		t.Error("nil map should render as {}")
	}
}

func TestMaskHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abcdefghij")
	h.Set("User-Agent", "teslink")

	out := maskHeaders(h)
	if out["Authorization"] != "Bearer a***ij" || out["User-Agent"] != "teslink" {
		t.Errorf("maskHeaders = %v", out)
	}
	if h.Get("Authorization") != "Bearer abcdefghij" {
		t.Error("maskHeaders must not modify the request headers")
	}
}
