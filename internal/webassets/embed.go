// Package webassets embeds the seed routes served before the first
// manifest load succeeds.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/routestream/internal/router"
)

// seed/ must exist and have at least one file to satisfy go:embed
//
//go:embed seed
var embedded embed.FS

// SeedFS returns (fs, true) only if seed looks like a real site (has index.html)
func SeedFS() (fs.FS, bool) {
	sub, err := fs.Sub(embedded, "seed")
	if err != nil {
		return nil, false
	}
	if _, err := fs.Stat(sub, "index.html"); err != nil {
		return nil, false
	}
	return sub, true
}

// Seed registers every embedded seed file as a static route so the server
// has something to answer with until a manifest is applied. Seed routes are
// registered unmodified so they cache like normal content; the first applied
// manifest replaces or removes them.
func Seed(reg *router.Router) (int, error) {
	sub, ok := SeedFS()
	if !ok {
		return 0, nil
	}

	n := 0
	err := fs.WalkDir(sub, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(sub, p)
		if err != nil {
			return fmt.Errorf("webassets: read seed file %q: %w", p, err)
		}
		if err := reg.SetRoute(p, router.Route{Payload: router.Bytes(data)}); err != nil {
			return fmt.Errorf("webassets: register seed route %q: %w", p, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, nil
}
