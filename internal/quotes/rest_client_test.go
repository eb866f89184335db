package quotes

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a test server and a RestClient pointed at it.
func setupTestServer(handler http.Handler, ttl time.Duration) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	rc := &RestClient{
		client:   resty.New().SetBaseURL(server.URL),
		logger:   zap.NewNop(),
		limiter:  rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		cacheTTL: ttl,
		cache:    make(map[string]Quote),
	}

	return rc, server
}

func TestGetQuote(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/quotes/EURUSD", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"symbol":"EURUSD","bid":"1.1000","ask":"1.1002"}`)
		})
		rc, server := setupTestServer(handler, time.Second)
		defer server.Close()

		q, err := rc.GetQuote("EURUSD")

		assert.NoError(t, err)
		assert.Equal(t, 1.1000, q.Bid)
		assert.Equal(t, 1.1002, q.Ask)
	})

	t.Run("APIError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"unknown symbol"}`)
		})
		rc, server := setupTestServer(handler, time.Second)
		defer server.Close()

		_, err := rc.GetQuote("NOPE")

		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrQuoteUnavailable))
	})

	t.Run("ZeroPricesFailClosed", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"symbol":"EURUSD","bid":"0","ask":"0"}`)
		})
		rc, server := setupTestServer(handler, time.Second)
		defer server.Close()

		_, err := rc.GetQuote("EURUSD")

		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})

	t.Run("UnparseablePrices", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"symbol":"EURUSD","bid":"n/a","ask":"n/a"}`)
		})
		rc, server := setupTestServer(handler, time.Second)
		defer server.Close()

		_, err := rc.GetQuote("EURUSD")

		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})
}

func TestGetQuote_ServesFromCache(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"EURUSD","bid":"1.1000","ask":"1.1002"}`)
	})
	rc, server := setupTestServer(handler, time.Minute)
	defer server.Close()

	_, err := rc.GetQuote("EURUSD")
	assert.NoError(t, err)
	_, err = rc.GetQuote("EURUSD")
	assert.NoError(t, err)

	// Second call within the TTL must not hit the remote source
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetQuote_CacheExpires(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"EURUSD","bid":"1.1000","ask":"1.1002"}`)
	})
	rc, server := setupTestServer(handler, time.Nanosecond)
	defer server.Close()

	_, err := rc.GetQuote("EURUSD")
	assert.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = rc.GetQuote("EURUSD")
	assert.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
}
