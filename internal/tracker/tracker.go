package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/logkeeper/internal/detector"
	"github.com/loykin/logkeeper/internal/metrics"
)

// DefaultTimeout bounds every individual lookup.
const DefaultTimeout = 5 * time.Second

// ErrLookupFailed means no lookup strategy produced an answer this cycle.
// The target state is unknown, which is not the same as stopped.
var ErrLookupFailed = errors.New("process lookup failed")

// Tracker resolves the current PID of a named target with layered lookups.
type Tracker struct {
	Target  string
	Timeout time.Duration
	Lookups []detector.Lookup
	Logger  *slog.Logger
}

// New returns a tracker using pidof first, then the ps listing.
func New(target string, lookups ...detector.Lookup) *Tracker {
	if len(lookups) == 0 {
		lookups = []detector.Lookup{detector.PidofLookup{}, detector.PSLookup{}}
	}
	return &Tracker{Target: target, Timeout: DefaultTimeout, Lookups: lookups}
}

// Poll runs the lookups in order until one reports a PID. The target is
// confirmed absent only when the last lookup, the broadest listing, answered
// cleanly; a miss by pidof followed by a failed listing is ErrLookupFailed.
// Poll performs no mutation and is safe to call every loop iteration.
func (t *Tracker) Poll(ctx context.Context) (detector.PID, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var errs []error
	lastAnswered := false
	for _, l := range t.Lookups {
		lastAnswered = false
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		lctx, cancel := context.WithTimeout(ctx, timeout)
		pid, err := l.Find(lctx, t.Target)
		cancel()
		if err != nil {
			t.logger().Debug("lookup failed", "method", l.Describe(), "target", t.Target, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", l.Describe(), err))
			continue
		}
		lastAnswered = true
		if pid != detector.NoPID {
			return pid, nil
		}
	}
	if lastAnswered {
		return detector.NoPID, nil
	}
	metrics.IncLookupFailure(t.Target)
	if len(errs) == 0 {
		return detector.NoPID, fmt.Errorf("%w: no lookup configured", ErrLookupFailed)
	}
	return detector.NoPID, fmt.Errorf("%w: %w", ErrLookupFailed, errors.Join(errs...))
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
