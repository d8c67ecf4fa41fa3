// Package docs serves the OpenAPI description and a browsable reference page.
package docs

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/awarelab/awarelab/internal/httputil"
)

//go:embed openapi.yaml
var specYAML []byte

const referenceCDN = "https://cdn.jsdelivr.net"

func HandleSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(specYAML)
}

// HandleDocs replaces the site-wide CSP: the reference bundle loads from a CDN
// and injects its own styles.
func HandleDocs(w http.ResponseWriter, r *http.Request) {
	nonce := httputil.NonceFromContext(r.Context())
	if nonce == "" {
		nonce = httputil.GenerateNonce()
	}
	w.Header().Set("Content-Security-Policy", fmt.Sprintf(
		"default-src 'self'; script-src 'self' 'nonce-%s' %s; style-src 'self' 'unsafe-inline' %s; "+
			"font-src 'self' %s data:; img-src 'self' data:; connect-src 'self'; frame-ancestors 'self'",
		nonce, referenceCDN, referenceCDN, referenceCDN))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, docsHTML, nonce, nonce)
}

const docsHTML = `<!DOCTYPE html>
<html><head>
  <title>awarelab API Reference</title>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
</head><body>
  <script id="api-reference" nonce="%s" data-url="/api/docs/openapi.yaml"></script>
  <script nonce="%s" src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body></html>`
