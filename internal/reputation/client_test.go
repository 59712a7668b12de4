package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_ProxyVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/203.0.113.5", r.URL.Path)
		assert.Equal(t, oracleFields, r.URL.Query().Get("fields"))
		w.Write([]byte(`{"status":"success","proxy":true,"hosting":false}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	verdict, err := c.Check(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, verdict.Proxy)
	assert.False(t, verdict.Hosting)
	assert.True(t, verdict.Flagged())
}

func TestHTTPClient_HostingVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","proxy":false,"hosting":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	verdict, err := c.Check(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, verdict.Flagged())
}

func TestHTTPClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ttl", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	_, err := c.Check(context.Background(), "203.0.113.5")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPClient_OracleFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	_, err := c.Check(context.Background(), "203.0.113.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved range")
}

func TestHTTPClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	_, err := c.Check(context.Background(), "203.0.113.5")
	assert.Error(t, err)
}

func TestHTTPClient_PrivateAddressSkipsOracle(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	for _, addr := range []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.0.1", "::1"} {
		verdict, err := c.Check(context.Background(), addr)
		require.NoError(t, err, addr)
		assert.False(t, verdict.Flagged(), addr)
	}
	assert.Equal(t, int64(0), hits.Load(), "private addresses must not reach the oracle")
}

func TestHTTPClient_InvalidAddress(t *testing.T) {
	c := NewHTTPClient("http://unused.invalid", 0)
	_, err := c.Check(context.Background(), "not-an-address")
	assert.Error(t, err)
	_, err = c.Check(context.Background(), "999.0.0.1")
	assert.Error(t, err)
}

func TestHTTPClient_Stats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","proxy":false,"hosting":false}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0)
	_, err := c.Check(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	_, err = c.Check(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.CheckCount)
	assert.Equal(t, int64(1), stats.LocalCount)
	assert.Equal(t, int64(0), stats.ErrorCount)
}
