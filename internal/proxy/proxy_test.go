package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(p *Proxy) *gin.Engine {
	r := gin.New()
	r.NoRoute(p.Handle)
	return r
}

func TestNew_RejectsBadTargets(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("not a url")
	assert.Error(t, err)
}

func TestProxy_ForwardsRequest(t *testing.T) {
	var gotPath, gotForwardedFor string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	p, err := New(upstream.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/users/7", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	w := httptest.NewRecorder()
	newRouter(p).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "/api/users/7", gotPath)
	assert.Contains(t, gotForwardedFor, "198.51.100.4")
}

func TestProxy_OpensCircuitOnUpstreamErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p, err := NewWithConfig(Config{
		TargetURL:      upstream.URL,
		CircuitBreaker: circuitbreaker.Config{MaxFailures: 2, Timeout: time.Hour},
	})
	require.NoError(t, err)
	r := newRouter(p)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, p.CircuitBreaker().State())
}
