package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oremus-labs/rife-worker/internal/logutil"
)

const requestIDKey = "requestID"

// tagRequest assigns every request an ID, echoing a caller-supplied
// X-Request-ID so job submissions can be correlated with client logs.
func tagRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// observeRequest records the route metrics and writes one access record.
// Routes are labelled by their pattern so /jobs/:id stays one series.
func observeRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		logutil.Info("http_request", logutil.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": elapsed.Milliseconds(),
			"request_id": c.GetString(requestIDKey),
		})
	}
}

// requireToken guards the job mutation routes. An empty token disables the
// check.
func requireToken(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		if !tokenMatches(want, presentedTokens(c.Request)) {
			logutil.Warn("job_api_unauthorized", nil, logutil.Fields{
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(requestIDKey),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// presentedTokens returns the credentials a request carries, X-API-Key first,
// then a Bearer Authorization value. Other Authorization schemes are ignored.
func presentedTokens(r *http.Request) []string {
	var out []string
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		out = append(out, key)
	}
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func tokenMatches(want []byte, presented []string) bool {
	for _, p := range presented {
		if subtle.ConstantTimeCompare(want, []byte(p)) == 1 {
			return true
		}
	}
	return false
}
