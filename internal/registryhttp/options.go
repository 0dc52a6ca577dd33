package registryhttp

import (
	"errors"
	"fmt"

	"github.com/keithlinneman/routestream/internal/log"
	"github.com/keithlinneman/routestream/internal/router"
)

var ErrInvalidOptions = errors.New("registryhttp: invalid options")

// StreamMetrics is the slice of the server metrics the handler reports to.
// Nil disables reporting.
type StreamMetrics interface {
	IncStreamOpened()
	AddStreamBytes(n int64)
	IncProducerFailure()
}

type Options struct {
	Logger   log.Logger
	Registry *router.Router
	Metrics  StreamMetrics

	// Cache policies. Routes flagged modified always get ModifiedCacheControl;
	// everything else is keyed on file extension.
	ModifiedCacheControl string // default: "no-cache"
	HTMLCacheControl     string // default: "no-cache"
	AssetCacheControl    string // default: "public, max-age=31536000, immutable"
	OtherCacheControl    string // default: "public, max-age=3600"
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.ModifiedCacheControl == "" {
		o.ModifiedCacheControl = "no-cache"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=31536000, immutable"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
}

func (o *Options) validate() error {
	if o.Registry == nil {
		return fmt.Errorf("%w: Registry is nil", ErrInvalidOptions)
	}
	return nil
}
