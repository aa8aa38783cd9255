package upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T, attempts int) *Group {
	t.Helper()
	g, err := NewGroup(GroupConfig{
		Name:            "test",
		Strategy:        "rr",
		Servers:         []*Server{{URL: "https://a.example.com"}},
		RetryAttempts:   attempts,
		RetryInitialDur: time.Millisecond,
	}, &http.Client{Timeout: time.Second}, &http.Transport{})
	require.NoError(t, err)
	return g
}

func TestGroupDoRetriesExactlyAttemptsOnPersistentFailure(t *testing.T) {
	g := newTestGroup(t, 3)

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context, s *Server) error {
		calls++
		return errors.New("connection refused")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestGroupDoStopsAfterFirstSuccess(t *testing.T) {
	g := newTestGroup(t, 5)

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context, s *Server) error {
		calls++
		if calls == 2 {
			return nil
		}
		return errors.New("HTTP 500")
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGroupDoStopsImmediatelyOnNonRetryableStatus(t *testing.T) {
	g := newTestGroup(t, 5)

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context, s *Server) error {
		calls++
		return &StatusError{URL: "https://a.example.com", Code: 404}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable 4xx must not trigger further attempts")
}

func TestGroupDoRetriesOnRetryableStatus(t *testing.T) {
	g := newTestGroup(t, 3)

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context, s *Server) error {
		calls++
		return &StatusError{URL: "https://a.example.com", Code: 503}
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestGroupDoAbortsOnContextCancel(t *testing.T) {
	g := newTestGroup(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := g.Do(ctx, func(ctx context.Context, s *Server) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}
