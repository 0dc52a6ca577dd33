package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/keithlinneman/routestream/internal/xerrors"
)

// maxManifestSize is the maximum size of a manifest document from S3.
const maxManifestSize int64 = 10 * 1024 * 1024 // 10MB

// Entry describes one route. Exactly one of S3Key or Text carries the
// payload: S3Key routes are registered as deferred producers, Text
// routes are registered inline.
type Entry struct {
	Path     string `json:"path"`
	S3Key    string `json:"s3_key,omitempty"`
	Text     string `json:"text,omitempty"`
	Modified bool   `json:"modified"`
}

type Manifest struct {
	Version string  `json:"version,omitempty"`
	Routes  []Entry `json:"routes"`
}

// Parse decodes and structurally validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(err, "parse manifest")
	}

	seen := make(map[string]struct{}, len(m.Routes))
	for i, e := range m.Routes {
		if e.Path == "" {
			return nil, xerrors.Newf("manifest route %d has no path", i)
		}
		if e.S3Key == "" && e.Text == "" {
			return nil, xerrors.Newf("manifest route %q has neither s3_key nor text", e.Path)
		}
		if e.S3Key != "" && e.Text != "" {
			return nil, xerrors.Newf("manifest route %q has both s3_key and text", e.Path)
		}
		if _, dup := seen[e.Path]; dup {
			return nil, xerrors.Newf("manifest route %q appears twice", e.Path)
		}
		seen[e.Path] = struct{}{}
	}

	return &m, nil
}

// ValidationOptions controls which checks ValidateManifest performs
// beyond the structural ones Parse already applies.
type ValidationOptions struct {
	// MinRoutes rejects manifests with fewer than this many routes.
	// 0 disables the check.
	MinRoutes int

	// RequireIndex fails validation when the manifest carries no route
	// that normalizes to index.html.
	RequireIndex bool
}

// DefaultValidationOptions returns the recommended production defaults.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MinRoutes:    1,
		RequireIndex: true,
	}
}

// ValidateManifest performs sanity checks on a manifest before the
// Watcher swaps it into the route table, preventing an empty or broken
// publish from wiping a healthy table.
func ValidateManifest(m *Manifest, opts ValidationOptions) error {
	if m == nil {
		return xerrors.New("validate: manifest is nil")
	}
	if opts.MinRoutes > 0 && len(m.Routes) < opts.MinRoutes {
		return xerrors.Newf("validate: manifest has %d routes, minimum is %d", len(m.Routes), opts.MinRoutes)
	}
	if opts.RequireIndex {
		found := false
		for _, e := range m.Routes {
			if e.Path == "index.html" || e.Path == "/" || e.Path == "/index.html" {
				found = true
				break
			}
		}
		if !found {
			return xerrors.New("validate: manifest has no index.html route")
		}
	}
	return nil
}

// readWithHash reads all bytes from r up to maxSize, computing SHA256
// as it reads. Used by LoadHash to verify manifest integrity.
func readWithHash(r io.Reader, maxSize int64) ([]byte, string, error) {
	h := sha256.New()
	lr := io.LimitReader(r, maxSize+1)
	tr := io.TeeReader(lr, h)

	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > maxSize {
		return nil, "", xerrors.Newf("manifest exceeds max size (%d bytes, limit %d)", len(data), maxSize)
	}

	return data, hex.EncodeToString(h.Sum(nil)), nil
}
