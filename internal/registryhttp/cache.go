package registryhttp

import (
	"path"
	"strings"
)

func cacheControlForRoute(name string, modified bool, o *Options) string {
	if modified {
		return o.ModifiedCacheControl
	}

	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".html":
		return o.HTMLCacheControl

	// fingerprinted static asset extensions
	case ".css", ".js", ".mjs",
		".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".eot",
		".map":
		return o.AssetCacheControl

	default:
		// treat no extension like html to be safe
		if ext == "" {
			return o.HTMLCacheControl
		}
		return o.OtherCacheControl
	}
}
