package security

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/chadreview/relay/pkg/logger"
)

// Middleware wraps next with request logging, panic recovery, security
// headers, and per-IP rate limiting.
func Middleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error("panic recovered", nil, logger.Fields{
						"panic": err,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}

				fields := logger.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"ip":       ip,
					"status":   wrapped.status,
					"duration": time.Since(start).String(),
				}
				if wrapped.status >= 400 {
					logger.Warn("http request failed", fields)
				} else {
					logger.Debug("http request", fields)
				}
			}()

			if !rl.Allow(ip) {
				logger.Warn("rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")

			next.ServeHTTP(wrapped, r)
		})
	}
}

// statusWriter captures the response status for logging. Hijacking (needed by
// the WebSocket upgrade) is forwarded to the underlying writer.
type statusWriter struct {
	http.ResponseWriter

	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker by delegating to the wrapped writer.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// ClientIP extracts the peer IP from the request. Only RemoteAddr is used so
// forwarded-for headers cannot spoof it.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
