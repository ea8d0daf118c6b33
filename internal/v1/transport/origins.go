package transport

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

// desktopSchemes are origin prefixes of packaged clients that cannot present
// an http origin. They are allowed regardless of the configured list.
var desktopSchemes = []string{
	"file://",
	"capacitor://",
	"ionic://",
	"electron://",
}

// originAllowed decides whether a browser origin may upgrade. Non-browser
// clients (no Origin header) and packaged desktop/mobile shells are allowed;
// everything else must match the configured allow-list by scheme and host.
// Localhost is always allowed for development tooling.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "null" {
		return true
	}
	for _, scheme := range desktopSchemes {
		if strings.HasPrefix(origin, scheme) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin header", zap.String("origin", origin), zap.Error(err))
		return false
	}
	if host := originURL.Hostname(); host == "localhost" || host == "127.0.0.1" {
		return true
	}

	for _, entry := range allowed {
		allowedURL, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}

	logging.Warn(r.Context(), "Origin not allowed",
		zap.String("origin", origin), zap.Strings("allowed", allowed))
	return false
}

// ParseAllowedOrigins splits the comma-separated ALLOWED_ORIGINS value.
func ParseAllowedOrigins(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
