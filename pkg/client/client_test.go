package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/logkeeper/internal/auth"
	"github.com/loykin/logkeeper/internal/server"
	"github.com/loykin/logkeeper/internal/status"
	lktls "github.com/loykin/logkeeper/internal/tls"
)

const target = "com.example.app"

type fakeController struct {
	stops atomic.Int32
}

func (f *fakeController) Snapshot() status.Record {
	pid := "4242"
	return status.Record{Target: target, AppPID: &pid, LogCount: 7, Running: true,
		StartTime: time.Now().Add(-time.Minute), CurrentTime: time.Now()}
}

func (f *fakeController) RequestStop() { f.stops.Add(1) }

func newServer(t *testing.T, ac auth.Config) (*httptest.Server, *fakeController, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	ctl := &fakeController{}
	srv := httptest.NewServer(server.NewRouter(ctl, dir, target, "").WithAuth(ac).Handler())
	t.Cleanup(srv.Close)
	return srv, ctl, dir
}

func TestStatusAndFiles(t *testing.T) {
	srv, _, dir := newServer(t, auth.Config{})
	for i, name := range []string{target + "_20250101_000000.log", target + "_20250102_000000.log"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(strings.Repeat("x", 10)), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := time.Now().Add(time.Duration(i) * time.Minute)
		_ = os.Chtimes(p, mt, mt)
	}
	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatalf("server should be reachable")
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Target != target || st.AppPID == nil || *st.AppPID != "4242" || st.LogCount != 7 || st.Uptime == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
	fr, err := c.Files(ctx, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if fr.Count != 2 || len(fr.Files) != 1 || fr.Files[0].Name != target+"_20250102_000000.log" || fr.TotalBytes != 20 {
		t.Fatalf("unexpected files: %+v", fr)
	}
}

func TestStopWithCredentials(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	srv, ctl, _ := newServer(t, auth.Config{Enabled: true, Username: "admin", PasswordHash: hash, Token: "tok"})
	ctx := context.Background()

	anon, _ := New(Config{BaseURL: srv.URL})
	if err := anon.Stop(ctx); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
	basic, _ := New(Config{BaseURL: srv.URL, Username: "admin", Password: "s3cret"})
	if err := basic.Stop(ctx); err != nil {
		t.Fatalf("basic Stop: %v", err)
	}
	bearer, _ := New(Config{BaseURL: srv.URL, Token: "tok"})
	if err := bearer.Stop(ctx); err != nil {
		t.Fatalf("bearer Stop: %v", err)
	}
	if ctl.stops.Load() != 2 {
		t.Fatalf("stops = %d", ctl.stops.Load())
	}
}

func TestUnreachable(t *testing.T) {
	c, _ := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if c.IsReachable(context.Background()) {
		t.Fatalf("closed port must not be reachable")
	}
}

func TestTLSWithCACert(t *testing.T) {
	dir := t.TempDir()
	tc, err := lktls.Setup(lktls.Config{Enabled: true, Dir: dir, AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	srv, err := server.NewServer(server.Options{Addr: "127.0.0.1:0", Dir: t.TempDir(), Target: target, TLS: tc}, &fakeController{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = srv.Close() }()

	base := "https://" + strings.Replace(srv.Addr, "127.0.0.1", "localhost", 1)
	c, err := New(Config{BaseURL: base, TLS: &TLSClientConfig{CACert: filepath.Join(dir, "tls_ca.crt")}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("Status over TLS: %v", err)
	}

	if _, err := New(Config{BaseURL: base, TLS: &TLSClientConfig{CACert: filepath.Join(dir, "missing.crt")}}); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
}

func TestErrorResponseDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid limit"}`))
	}))
	defer srv.Close()
	c, _ := New(Config{BaseURL: srv.URL})
	_, err := c.Files(context.Background(), 3)
	if err == nil || !strings.Contains(err.Error(), "invalid limit") {
		t.Fatalf("expected decoded API error, got %v", err)
	}
}
