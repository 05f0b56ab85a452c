package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/gin-gonic/gin"
)

var errUpstream = errors.New("upstream returned server error")

// Proxy forwards admitted requests to the protected upstream. Upstream 5xx
// responses and transport failures count against a circuit breaker.
type Proxy struct {
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
}

type Config struct {
	TargetURL      string
	CircuitBreaker circuitbreaker.Config
}

func New(targetURL string) (*Proxy, error) {
	return NewWithConfig(Config{
		TargetURL: targetURL,
		CircuitBreaker: circuitbreaker.Config{
			MaxFailures:     5,
			Timeout:         30 * time.Second,
			HalfOpenSuccess: 1,
		},
	})
}

func NewWithConfig(cfg Config) (*Proxy, error) {
	if cfg.TargetURL == "" {
		return nil, errors.New("upstream target is required")
	}
	target, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme and host are required", cfg.TargetURL)
	}

	if cfg.CircuitBreaker.OnStateChange == nil {
		cfg.CircuitBreaker.OnStateChange = func(from, to circuitbreaker.State) {
			logger.Warn("upstream circuit breaker state changed",
				logger.String("upstream", target.Host),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed",
			logger.String("upstream", target.Host),
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		w.WriteHeader(http.StatusBadGateway)
	}

	logger.Info("proxy initialized", logger.String("upstream", target.String()))

	return &Proxy{
		target:         target,
		reverseProxy:   rp,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
	}, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(func() error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = p.target.Host

		if clientIP := c.ClientIP(); clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		if id := c.GetString("request_id"); id != "" {
			req.Header.Set("X-Request-ID", id)
		}

		c.Writer = recorder
		p.reverseProxy.ServeHTTP(c.Writer, req)

		if recorder.statusCode >= 500 {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

func (p *Proxy) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreaker
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
