package watch

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/awarelab/awarelab/internal/geoip"
)

// Locator resolves a client address to a location.
type Locator interface {
	Lookup(addr string) geoip.Location
}

// ClientInfo describes where a watch session was played.
type ClientInfo struct {
	Browser string
	Device  string
	Country string
}

func clientInfoFromRequest(r *http.Request, geo Locator) ClientInfo {
	info := parseUserAgent(r.UserAgent())
	if geo != nil {
		info.Country = geo.Lookup(clientIP(r)).Country
	}
	return info
}

func parseUserAgent(raw string) ClientInfo {
	if raw == "" {
		return ClientInfo{Browser: "Other", Device: "unknown"}
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	if browser == "" {
		browser = "Other"
	}

	device := "desktop"
	switch {
	case ua.Bot():
		device = "bot"
	case ua.Mobile():
		device = "mobile"
	}
	return ClientInfo{Browser: browser, Device: device}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}
