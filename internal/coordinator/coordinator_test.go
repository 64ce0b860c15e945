package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"redpocket2mqtt/internal/redpocket"
)

func TestRefresh(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	var fail error
	c := New("redpocket line 5551234567 sensor", time.Minute, func(ctx context.Context) (*redpocket.LineDetails, error) {
		if fail != nil {
			return nil, fail
		}
		return &redpocket.LineDetails{Number: "5551234567", DataBalance: 2048}, nil
	}, logger)

	if c.Data() != nil {
		t.Fatal("expected nil data before first refresh")
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !c.LastUpdateSuccess() || c.LastError() != nil {
		t.Error("expected successful refresh")
	}
	if c.Data().DataBalance != 2048 {
		t.Errorf("DataBalance = %d", c.Data().DataBalance)
	}

	tests := []struct {
		name    string
		err     error
		auth    bool
		logLine string
	}{
		{"auth failure", redpocket.ErrAuth, true, "invalid credentials!"},
		{"client failure", &redpocket.Error{Op: "get details", Err: errors.New("502")}, false, "unknown error!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			fail = tt.err

			err := c.Refresh(context.Background())
			var uf *UpdateFailed
			if !errors.As(err, &uf) {
				t.Fatalf("expected *UpdateFailed, got %v", err)
			}
			if uf.IsAuthError() != tt.auth {
				t.Errorf("IsAuthError = %v, want %v", uf.IsAuthError(), tt.auth)
			}
			if !errors.Is(err, tt.err) {
				t.Error("UpdateFailed does not unwrap to the cause")
			}
			if c.LastUpdateSuccess() {
				t.Error("LastUpdateSuccess should be false")
			}
			if c.Data() == nil || c.Data().DataBalance != 2048 {
				t.Error("data should survive a failed refresh")
			}
			if !strings.Contains(buf.String(), tt.logLine) {
				t.Errorf("log %q missing %q", buf.String(), tt.logLine)
			}
		})
	}
}

func TestListen(t *testing.T) {
	c := New("test", time.Minute, func(ctx context.Context) (*redpocket.LineDetails, error) {
		return &redpocket.LineDetails{}, nil
	}, nil)

	var calls int32
	unsubscribe := c.Listen(func(*Coordinator) { atomic.AddInt32(&calls, 1) })

	c.Refresh(context.Background())
	c.Refresh(context.Background())
	unsubscribe()
	unsubscribe()
	c.Refresh(context.Background())

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("listener called %d times, want 2", got)
	}
}

func TestSeed(t *testing.T) {
	c := New("test", time.Minute, func(ctx context.Context) (*redpocket.LineDetails, error) {
		return &redpocket.LineDetails{VoiceBalance: 10}, nil
	}, nil)

	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	c.Seed(&redpocket.LineDetails{VoiceBalance: 5}, at)
	if c.Data().VoiceBalance != 5 || !c.LastUpdated().Equal(at) {
		t.Errorf("seed not applied: %+v", c.Data())
	}
	if c.LastUpdateSuccess() {
		t.Error("seeded data must not count as a successful update")
	}

	c.Refresh(context.Background())
	c.Seed(&redpocket.LineDetails{VoiceBalance: 1}, at)
	if c.Data().VoiceBalance != 10 {
		t.Error("seed must not overwrite fetched data")
	}
}

func TestRun(t *testing.T) {
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})

	c := New("test", 10*time.Millisecond, func(ctx context.Context) (*redpocket.LineDetails, error) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 3 {
			close(done)
		}
		return &redpocket.LineDetails{}, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not refresh on its interval")
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
