package transport

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{"token", Secret{Token: "abc.def.ghi", Username: "admin"}, "bearer:[REDACTED]"},
		{"basic", Secret{Username: "admin", Password: "hunter2"}, "basic:admin:[REDACTED]"},
		{"none", Secret{}, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.secret.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := fmt.Sprintf("%v", tt.secret); strings.Contains(got, "hunter2") || strings.Contains(got, "abc.def") {
				t.Errorf("formatted secret leaks credentials: %q", got)
			}

			var buf bytes.Buffer
			slog.New(slog.NewTextHandler(&buf, nil)).Info("resolved", "secret", tt.secret)
			if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "abc.def") {
				t.Errorf("logged secret leaks credentials: %q", buf.String())
			}
		})
	}
}

func TestSecret_Apply(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest("POST", "http://publish/", nil)
	Secret{Token: "tok", Username: "admin", Password: "pw"}.Apply(r)
	if r.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("token secret set %q", r.Header.Get("Authorization"))
	}

	r = httptest.NewRequest("POST", "http://publish/", nil)
	Secret{Username: "admin", Password: "pw"}.Apply(r)
	if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "pw" {
		t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
	}

	r = httptest.NewRequest("POST", "http://publish/", nil)
	Secret{}.Apply(r)
	if r.Header.Get("Authorization") != "" {
		t.Error("empty secret set a header")
	}
	if !(Secret{}).Empty() || (Secret{Token: "t"}).Empty() {
		t.Error("Empty() mismatch")
	}
}
