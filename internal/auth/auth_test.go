package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(cfg Config) http.Handler {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.POST("/stop", NewMiddleware(cfg).GinAuth(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return g
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
	h, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(h, "$2") {
		t.Fatalf("not a bcrypt hash: %s", h)
	}
	if err := (Config{Enabled: true, Username: "admin", PasswordHash: h}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"token only", Config{Enabled: true, Token: "t"}, false},
		{"nothing configured", Config{Enabled: true}, true},
		{"user without hash", Config{Enabled: true, Username: "admin"}, true},
		{"plaintext hash", Config{Enabled: true, Username: "admin", PasswordHash: "secret"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%t", err, tt.wantErr)
			}
		})
	}
}

func TestGinAuth(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	h := newRouter(Config{Enabled: true, Username: "admin", PasswordHash: hash, Token: "tok"})

	tests := []struct {
		name string
		set  func(r *http.Request)
		want int
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized},
		{"basic ok", func(r *http.Request) { r.SetBasicAuth("admin", "s3cret") }, http.StatusAccepted},
		{"basic wrong password", func(r *http.Request) { r.SetBasicAuth("admin", "nope") }, http.StatusUnauthorized},
		{"basic wrong user", func(r *http.Request) { r.SetBasicAuth("root", "s3cret") }, http.StatusUnauthorized},
		{"bearer ok", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, http.StatusAccepted},
		{"bearer wrong", func(r *http.Request) { r.Header.Set("Authorization", "Bearer other") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/stop", nil)
			tt.set(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status %d want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestGinAuthDisabled(t *testing.T) {
	h := newRouter(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stop", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("disabled auth must pass through, got %d", rec.Code)
	}
}
