package cloak

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/go-acme/lego/v4/challenge/http01"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/acme"
	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

// EdgeCheckPath answers 200 on the edge listener; the health prober uses it.
const EdgeCheckPath = "/__edge-check"

// TokenGetter serves stored HTTP-01 bodies. *acme.RedisStore and
// *acme.MemoryStore satisfy this interface.
type TokenGetter interface {
	Get(ctx context.Context, host, token string) (string, error)
}

// EdgeConfig configures the edge router.
type EdgeConfig struct {
	// UpstreamURL receives passed-through requests. Empty means a plain 404.
	UpstreamURL string
}

// NewEdgeRouter builds the gin engine for the edge listener. The edge check
// and ACME challenge routes bypass the cloak; every other request goes
// through Middleware and then the pass-through fallback.
func NewEdgeRouter(engine *Engine, emitter Emitter, tokens TokenGetter, cfg EdgeConfig, logger *zap.Logger) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(EdgeCheckPath, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.HEAD(EdgeCheckPath, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if tokens != nil {
		r.GET(http01.ChallengePath(":token"), challengeHandler(tokens, logger))
	}

	fallback, err := passThrough(cfg.UpstreamURL, logger)
	if err != nil {
		return nil, err
	}
	r.NoRoute(Middleware(engine, emitter), fallback)
	return r, nil
}

func challengeHandler(tokens TokenGetter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := hostname.Normalize(c.Request.Host)
		token := c.Param("token")
		if host == "" || token == "" {
			c.Status(http.StatusNotFound)
			return
		}
		body, err := tokens.Get(c.Request.Context(), host, token)
		if err != nil {
			if !errors.Is(err, acme.ErrNotFound) {
				logger.Warn("edge: acme token lookup failed",
					zap.String("hostname", host), zap.Error(err))
			}
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
	}
}

func passThrough(upstream string, logger *zap.Logger) (gin.HandlerFunc, error) {
	if upstream == "" {
		return func(c *gin.Context) {
			c.String(http.StatusNotFound, "not found")
		}, nil
	}
	u, err := url.Parse(upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("edge: invalid upstream url " + upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("edge: upstream request failed",
			zap.String("host", r.Host), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}, nil
}
