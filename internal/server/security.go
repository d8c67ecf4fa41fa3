package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/awarelab/awarelab/internal/httputil"
)

// DefaultEmbedOrigins are the video providers the web client may frame.
var DefaultEmbedOrigins = []string{
	"https://www.youtube-nocookie.com",
	"https://www.youtube.com",
	"https://player.vimeo.com",
}

type SecurityConfig struct {
	BaseURL         string
	StorageEndpoint string
	// EmbedOrigins may serve player iframes and the iframe API script.
	EmbedOrigins []string
}

func securityHeaders(cfg SecurityConfig) func(http.Handler) http.Handler {
	strictTransport := strings.HasPrefix(cfg.BaseURL, "https://")
	storage := ""
	if cfg.StorageEndpoint != "" {
		storage = " " + cfg.StorageEndpoint
	}
	embeds := ""
	if len(cfg.EmbedOrigins) > 0 {
		embeds = " " + strings.Join(cfg.EmbedOrigins, " ")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce := httputil.GenerateNonce()
			ctx := httputil.ContextWithNonce(r.Context(), nonce)

			h := w.Header()
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "SAMEORIGIN")
			h.Set("Permissions-Policy", "autoplay=(self), fullscreen=(self), camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", fmt.Sprintf(
				"default-src 'self'; img-src 'self' data: https://i.ytimg.com; script-src 'self' 'nonce-%s'%s; style-src 'self' 'nonce-%s'; frame-src%s; connect-src 'self'%s; frame-ancestors 'self';",
				nonce, embeds, nonce, frameSources(embeds), storage,
			))
			if strictTransport {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func frameSources(embeds string) string {
	if embeds == "" {
		return " 'none'"
	}
	return embeds
}
