package ingest

import (
	"strings"

	"smartlog/internal/model"
)

// browserInfo is a best-effort classification of a User-Agent header.
func browserInfo(ua string) *model.BrowserInfo {
	if strings.TrimSpace(ua) == "" {
		return nil
	}
	lower := strings.ToLower(ua)
	return &model.BrowserInfo{
		Browser:    parseBrowser(lower),
		OS:         parseOS(lower),
		DeviceType: parseDeviceType(lower),
	}
}

func parseDeviceType(ua string) string {
	switch {
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone"):
		return "mobile"
	case strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") || strings.Contains(ua, "spider"):
		return "bot"
	default:
		return "desktop"
	}
}

// Order matters: Edge and Opera carry a Chrome token, Chrome carries Safari.
func parseBrowser(ua string) string {
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "chrome") || strings.Contains(ua, "crios"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	default:
		return "unknown"
	}
}

func parseOS(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macos") || strings.Contains(ua, "darwin"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}
