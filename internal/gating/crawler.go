package gating

import "strings"

// crawlerMarkers match the user-agent strings of the search and preview
// crawlers the operator may choose to let through. User-agent matching is an
// SEO accommodation, not a security boundary: anyone can claim to be
// Googlebot, and a site that enables the bypass accepts that.
var crawlerMarkers = []string{
	"googlebot",
	"bingbot",
	"slurp", // Yahoo
	"duckduckbot",
	"baiduspider",
	"yandexbot",
	"applebot",
	"facebookexternalhit",
	"twitterbot",
	"linkedinbot",
}

// IsCrawler reports whether the user-agent string identifies itself as a
// known search-engine or link-preview crawler.
func IsCrawler(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range crawlerMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
