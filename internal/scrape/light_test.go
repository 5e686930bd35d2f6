package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/resilience"
)

func TestLightScraper_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "prospect-test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Acme</title></head><body><p>Hello from Acme</p></body></html>`))
	}))
	defer srv.Close()

	s := NewLightScraper("prospect-test/1.0", 2*time.Second)
	res, err := s.Scrape(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, StrategyLight, res.Source)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, BlockNone, res.Blocked)
	assert.Contains(t, string(res.HTML), "Hello from Acme")
}

func TestLightScraper_RevisitAllowed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	s := NewLightScraper("", time.Second)
	for i := 0; i < 3; i++ {
		_, err := s.Scrape(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestLightScraper_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
		transient bool
	}{
		{"not found", http.StatusNotFound, true, false},
		{"gone", http.StatusGone, true, false},
		{"rate limited", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusBadGateway, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := NewLightScraper("", time.Second).Scrape(context.Background(), srv.URL)
			require.Error(t, err)

			var fe *FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, StrategyLight, fe.Strategy)
			assert.Equal(t, tt.permanent, resilience.IsPermanent(err))
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestLightScraper_CloudflareBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cf-Ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><body>Access denied</body></html>`))
	}))
	defer srv.Close()

	_, err := NewLightScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked (cloudflare)")
}

func TestLightScraper_CaptchaPageIsBlockedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>Please complete the reCAPTCHA to continue</body></html>`))
	}))
	defer srv.Close()

	res, err := NewLightScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, BlockCaptcha, res.Blocked)
}

func TestLightScraper_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewLightScraper("", 50*time.Millisecond).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.False(t, resilience.IsPermanent(err))
}

func TestLightScraper_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewLightScraper("", 5*time.Second).Scrape(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}
