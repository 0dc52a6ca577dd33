// Package pathutil holds the pure path functions shared by the route
// registry and the HTTP handlers.
package pathutil

import "strings"

// Normalize canonicalizes a route path:
//
//  1. leading '/' characters are stripped
//  2. every '\' becomes '/'
//  3. everything from the first '?' on (the query string) is dropped
//  4. an empty result, or one ending in '/', gets "index.html" appended
//
// Normalize is idempotent: Normalize(Normalize(p)) == Normalize(p).
func Normalize(p string) string {
	p = strings.TrimLeft(p, "/")
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	// TrimLeft again: backslashes at the start become slashes in step 2
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	return p
}

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
