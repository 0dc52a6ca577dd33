package httpmw

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ManifestInfo reports the currently applied route manifest.
// Satisfied by manifest.Applier.
type ManifestInfo interface {
	Current() (hash string, appliedAt time.Time, ok bool)
}

// ManifestHeaders adds an X-Route-Manifest header to all responses once
// a manifest has been applied, so a response can always be correlated
// with the manifest that produced it.
func ManifestHeaders(info ManifestInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if hash, _, ok := info.Current(); ok {
					// short hash keeps the header compact
					if len(hash) > 12 {
						hash = hash[:12]
					}
					w.Header().Set("X-Route-Manifest", hash)

					if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
						span.SetAttributes(attribute.String("manifest.hash", hash))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
