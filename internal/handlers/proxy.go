package handlers

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// newInferenceProxy forwards the analysis upload untouched to upstream.
// Without an upstream the route answers 503.
func newInferenceProxy(upstream string, logger *zap.Logger) (gin.HandlerFunc, error) {
	if upstream == "" {
		return func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inference upstream not configured"})
		}, nil
	}

	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("inference upstream must be an absolute URL, got %q", upstream)
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = target.Path
			req.URL.RawPath = target.RawPath
			if target.RawQuery != "" {
				req.URL.RawQuery = target.RawQuery
			}
			req.Host = target.Host
			req.Header.Del("Authorization")
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Error("inference proxy failed", zap.String("upstream", target.String()), zap.Error(err))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"inference service unavailable"}`))
		},
	}

	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		proxy.ServeHTTP(c.Writer, c.Request)
	}, nil
}
