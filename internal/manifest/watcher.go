package manifest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/routestream/internal/cryptoutil"
	"github.com/keithlinneman/routestream/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new hash.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange        pollResult = iota // SSM hash matches current - nothing to do
	pollSwapped                           // new hash detected, manifest loaded and applied
	pollSSMError                          // SSM fetch failed - caller should back off
	pollLoadError                         // SSM succeeded but download/verify/parse failed
	pollValidationError                   // manifest loaded but failed sanity checks
)

// ManifestFetcher is the interface the Watcher needs from a Loader.
// Extracted to decouple the Watcher from the concrete *Loader type,
// enabling simpler test doubles.
type ManifestFetcher interface {
	FetchCurrentManifestHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Manifest, error)
}

// manifestInstaller is the slice of *Applier the Watcher uses.
type manifestInstaller interface {
	Apply(ctx context.Context, hash string, m *Manifest) (set, removed int, err error)
	Current() (hash string, appliedAt time.Time, ok bool)
}

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveManifestLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

// WatcherOptions configures the route manifest watcher.
type WatcherOptions struct {
	Logger       log.Logger
	Loader       ManifestFetcher
	Applier      manifestInstaller
	PollInterval time.Duration

	// Validation configures sanity checks run against new manifests
	// before they are applied. Nil uses DefaultValidationOptions().
	Validation *ValidationOptions

	// OnSwap is called after a successful manifest swap.
	// Called synchronously on the poll goroutine.
	OnSwap func(hash string, routes int)

	// Metrics receives watcher observability signals (polls, swaps, errors, durations).
	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful SSM poll before
	// the watcher logs a staleness warning. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls for manifest changes and hot-swaps them into the route table.
type Watcher struct {
	loader     ManifestFetcher
	applier    manifestInstaller
	logger     log.Logger
	interval   time.Duration
	validation ValidationOptions
	onSwap     func(hash string, routes int)
	metrics    WatcherMetrics

	// hash tracking for change detection
	currentHash string

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	// stats for logging
	pollCount int64
	swapCount int64
}

// NewWatcher creates a manifest watcher. Call Run to start the poll loop.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// seed current hash from the applier so the first poll doesn't
	// re-download what was already applied at startup
	currentHash := ""
	if hash, _, ok := opts.Applier.Current(); ok {
		currentHash = hash
	}

	validation := DefaultValidationOptions()
	if opts.Validation != nil {
		validation = *opts.Validation
	}

	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	return &Watcher{
		loader:         opts.Loader,
		applier:        opts.Applier,
		logger:         opts.Logger,
		interval:       interval,
		validation:     validation,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "manifest watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "manifest watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "manifest watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				// recovered from error streak - resume normal cadence
				w.logger.Info(ctx, "manifest watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			// staleness detection: emit structured error once on transition into stale state
			if result != pollSSMError {
				// non-SSM-error means lastSuccessAt was updated
				if w.staleLogged {
					w.logger.Info(ctx, "manifest watcher: staleness recovered")
					w.staleLogged = false
					if w.metrics != nil {
						w.metrics.SetWatcherStale(false)
					}
				}
			} else if time.Since(w.lastSuccessAt) > w.staleThreshold {
				if !w.staleLogged {
					w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"manifest watcher: route table is stale, unable to verify freshness",
					)
					w.staleLogged = true
					if w.metrics != nil {
						w.metrics.SetWatcherStale(true)
					}
				}
			}
		}
	}
}

// checkOnce performs a single poll-compare-swap cycle.
// Returns what happened so Run can adjust timing.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	// poll SSM for the current manifest hash
	hash, err := w.loader.FetchCurrentManifestHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "manifest watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	// SSM call succeeded - update last success time
	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	// no change - most common path
	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	// new hash detected
	w.logger.Info(ctx, "manifest watcher: new manifest hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	// download, verify, parse
	loadStart := time.Now()
	m, err := w.loader.LoadHash(ctx, hash)
	loadDur := time.Since(loadStart).Seconds()
	if w.metrics != nil {
		w.metrics.ObserveManifestLoadDuration(loadDur)
	}

	if err != nil {
		w.logger.Error(ctx, err, "manifest watcher: failed to load manifest",
			"hash", truncHash(hash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}

	// validate the new manifest before applying
	if err := ValidateManifest(m, w.validation); err != nil {
		w.logger.Error(ctx, err, "manifest watcher: new manifest failed validation, keeping current routes",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return pollValidationError
	}

	// diff-apply into the route table
	oldHash := w.currentHash
	set, removed, err := w.applier.Apply(ctx, hash, m)
	if err != nil {
		w.logger.Error(ctx, err, "manifest watcher: failed to apply manifest",
			"hash", truncHash(hash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("apply")
		}
		return pollLoadError
	}
	w.swapCount++

	w.logger.Info(ctx, "manifest watcher: manifest swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"routes_set", set,
		"routes_removed", removed,
		"total_swaps", w.swapCount,
	)

	w.currentHash = hash

	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	// notify caller (metrics, etc.)
	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"manifest watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(hash, set)
		}()
	}

	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
