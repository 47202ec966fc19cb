package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var anchorHref = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*")([^"]+)(")`)

// TrackingToken signs a message id so tracking hits can be verified.
func TrackingToken(messageID, key string) string {
	hash := sha256.Sum256([]byte(key + ":" + messageID))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, messageID, key string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(messageID), TrackingToken(messageID, key))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, messageID, key, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", strings.TrimRight(baseURL, "/"), url.PathEscape(messageID),
		TrackingToken(messageID, key), url.QueryEscape(originalURL))
}

type TrackingOptions struct {
	BaseURL string
	Key     string
	Opens   bool
	Clicks  bool
}

// InjectTracking rewrites links and appends an open pixel as requested.
func InjectTracking(htmlContent, messageID string, opts TrackingOptions) string {
	if opts.BaseURL == "" {
		return htmlContent
	}
	if opts.Clicks {
		htmlContent = anchorHref.ReplaceAllStringFunc(htmlContent, func(m string) string {
			parts := anchorHref.FindStringSubmatch(m)
			target := parts[2]
			if !strings.HasPrefix(strings.ToLower(target), "http") {
				return m
			}
			return parts[1] + GenerateClickTrackURL(opts.BaseURL, messageID, opts.Key, target) + parts[3]
		})
	}
	if opts.Opens {
		pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
			GenerateTrackingPixelURL(opts.BaseURL, messageID, opts.Key))
		if idx := strings.LastIndex(strings.ToLower(htmlContent), "</body>"); idx >= 0 {
			return htmlContent[:idx] + pixel + htmlContent[idx:]
		}
		htmlContent += pixel
	}
	return htmlContent
}
