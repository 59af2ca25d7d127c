package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/commonroom/internal/platform/timeouts"
	"github.com/louisbranch/commonroom/internal/services/session/domain"
)

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *logRecorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range r.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, path string, logs *logRecorder) Config {
	t.Helper()
	return Config{
		DataPath:         path,
		DemoAccounts:     []string{"demo@commonroom.test:letmein:Demo User:member"},
		IdentityFallback: time.Second,
		ProfileFetch:     time.Second,
		Logf:             logs.logf,
	}
}

func TestDemoLoginSurvivesRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "portal.db")
	ctx := context.Background()

	logs := &logRecorder{}
	cfg := testConfig(t, path, logs)
	cfg.LoginEmail = "demo@commonroom.test"
	cfg.LoginPassword = "letmein"
	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new portal: %v", err)
	}
	first.Start(ctx)
	session := first.Sessions().Session()
	if !session.IsAuthenticated || session.Identity == nil || session.Identity.ID != "demo-demo" {
		t.Fatalf("session after login = %+v", session)
	}
	if session.Profile == nil || session.Profile.DisplayName != "Demo User" {
		t.Fatalf("profile after login = %+v", session.Profile)
	}
	if !logs.contains(`signed in email="demo@commonroom.test"`) {
		t.Fatalf("missing sign in log: %v", logs.lines)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first portal: %v", err)
	}

	second, err := New(ctx, testConfig(t, path, &logRecorder{}))
	if err != nil {
		t.Fatalf("reopen portal: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	second.Start(ctx)
	if got := second.Sessions().State(); got != domain.StateAuthenticated {
		t.Fatalf("state after restart = %s", got)
	}
	restored := second.Sessions().Session()
	if restored.Identity == nil || restored.Identity.Origin != domain.OriginCache || restored.Identity.ID != "demo-demo" {
		t.Fatalf("restored identity = %+v", restored.Identity)
	}
}

func TestFailedLoginStaysAnonymous(t *testing.T) {
	t.Parallel()

	logs := &logRecorder{}
	cfg := testConfig(t, filepath.Join(t.TempDir(), "portal.db"), logs)
	cfg.LoginEmail = "demo@commonroom.test"
	cfg.LoginPassword = "wrong"
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new portal: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	p.Start(context.Background())
	if p.Sessions().Session().IsAuthenticated {
		t.Fatal("expected anonymous session")
	}
	if !logs.contains("sign in failed") {
		t.Fatalf("missing failure log: %v", logs.lines)
	}
}

func TestAwaitSettledWaitsForPendingSignIn(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, `{"code":"IDENTITY_INVALID_CREDENTIALS"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	cfg := testConfig(t, filepath.Join(t.TempDir(), "portal.db"), &logRecorder{})
	cfg.IdentityURL = srv.URL
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new portal: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	loggedIn := make(chan bool, 1)
	go func() { loggedIn <- p.Sessions().Login(ctx, "someone@commonroom.test", "pw") }()
	deadline := time.Now().Add(2 * time.Second)
	for !p.Sessions().Session().IsLoading {
		if time.Now().After(deadline) {
			t.Fatal("sign in never started loading")
		}
		time.Sleep(time.Millisecond)
	}

	if p.awaitSettled(ctx, 20*time.Millisecond) {
		t.Fatal("settled while sign in was pending")
	}
	settled := make(chan bool, 1)
	go func() { settled <- p.awaitSettled(ctx, 2*time.Second) }()
	unblock()
	if !<-settled {
		t.Fatal("expected session to settle after sign in finished")
	}
	if <-loggedIn {
		t.Fatal("expected sign in to fail")
	}
}

func TestSettleLimitDefaults(t *testing.T) {
	t.Parallel()

	p := &Portal{}
	if got := p.settleLimit(); got != timeouts.IdentityFallback+timeouts.ProfileFetch {
		t.Fatalf("settle limit = %s", got)
	}
	p.cfg = Config{IdentityFallback: time.Second, ProfileFetch: 2 * time.Second}
	if got := p.settleLimit(); got != 3*time.Second {
		t.Fatalf("settle limit = %s, want 3s", got)
	}
}

func TestNewRequiresDataPath(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing data path")
	}
}

func TestNewRejectsBadDemoAccounts(t *testing.T) {
	t.Parallel()

	cfg := Config{DataPath: filepath.Join(t.TempDir(), "portal.db"), DemoAccounts: []string{"no-password"}}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for malformed demo account")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logs := &logRecorder{}
	cfg := testConfig(t, filepath.Join(t.TempDir(), "portal.db"), logs)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !logs.contains("session state=anonymous") {
		if time.Now().After(deadline) {
			t.Fatalf("portal never settled: %v", logs.lines)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
