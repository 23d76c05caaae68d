package connector

import "strings"

// DefaultSupportedBrowsers are the browsers the extension ships for.
var DefaultSupportedBrowsers = []string{"chrome", "firefox", "opera", "edge"}

// Environment describes the host the connector would run in.
type Environment interface {
	Browser() string
}

// StaticEnvironment is an Environment with a fixed browser name.
type StaticEnvironment string

func (e StaticEnvironment) Browser() string { return string(e) }

// BrowserSupported reports whether browser is in supported, ignoring case.
// An empty supported list means DefaultSupportedBrowsers.
func BrowserSupported(browser string, supported []string) bool {
	if len(supported) == 0 {
		supported = DefaultSupportedBrowsers
	}
	browser = strings.ToLower(strings.TrimSpace(browser))
	if browser == "" {
		return false
	}
	for _, s := range supported {
		if strings.ToLower(s) == browser {
			return true
		}
	}
	return false
}

// DetectBrowser guesses the browser family from a User-Agent header. Order
// matters: Edge and Opera also advertise Chrome.
func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox/"):
		return "firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "chromium/"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "unknown"
	}
}
