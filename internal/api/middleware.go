package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/ratelimit"
)

// LoggingMiddleware logs every request once it has been handled.
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.LogHTTPRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start),
			"ip", c.ClientIP(),
			"route", c.FullPath(),
		)
	}
}

// originPolicy decides which browser origins may use the API. An entry is
// either an exact origin, a scheme and host that match on any port
// ("http://localhost"), a bare scheme ("chrome-extension://"), or "*".
type originPolicy struct {
	any     bool
	exact   map[string]bool
	schemes map[string]bool
}

func newOriginPolicy(allowed []string) *originPolicy {
	p := &originPolicy{exact: make(map[string]bool), schemes: make(map[string]bool)}
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		switch {
		case o == "":
		case o == "*":
			p.any = true
		case strings.HasSuffix(o, ":"):
			p.schemes[strings.TrimSuffix(o, ":")] = true
		default:
			p.exact[o] = true
		}
	}
	return p
}

// allows reports whether origin may call the API. Requests without an Origin
// header come from non-browser clients and are allowed.
func (p *originPolicy) allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	origin = strings.ToLower(strings.TrimRight(origin, "/"))
	if p.exact[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" {
		return false
	}
	if p.schemes[u.Scheme] {
		return true
	}
	port := u.Port()
	return port != "" && p.exact[u.Scheme+"://"+strings.TrimSuffix(u.Host, ":"+port)]
}

// safeMethod is true for requests a foreign page may send without a preflight
// and that change nothing.
func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// CORSMiddleware reflects allowed origins and refuses preflights and
// state-changing requests from any other origin.
func CORSMiddleware(p *originPolicy, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if !p.allows(origin) {
			if !safeMethod(c.Request.Method) {
				log.LogSecurityEvent(c.Request.Context(), "cors_origin_rejected", "medium", map[string]interface{}{
					"origin": origin,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				})
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
				return
			}
			c.Next()
			return
		}

		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware applies a token bucket per client IP.
func RateLimitMiddleware(limiter *ratelimit.Limiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			log.Warnw("Rate limit exceeded",
				"ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
