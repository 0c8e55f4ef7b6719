package feed

import (
	"sort"
	"time"
)

type healthKey struct {
	venue string
	asset string
}

// Health is the rolling failure record of one venue for one asset.
type Health struct {
	Venue               string
	Asset               string
	ConsecutiveFailures int
	Degraded            bool
	LastError           string
	LastSuccess         time.Time
	LastFailure         time.Time
}

func (r *Registry) recordFailure(venueName, asset string, ex Exclusion) {
	r.mu.Lock()
	h := r.entry(venueName, asset)
	h.ConsecutiveFailures++
	h.LastFailure = r.now().UTC()
	h.LastError = ex.Err.Error()
	becameDegraded := !h.Degraded && h.ConsecutiveFailures >= r.opts.FailureThreshold
	if becameDegraded {
		h.Degraded = true
	}
	failures := h.ConsecutiveFailures
	r.mu.Unlock()

	r.logger.Warn().
		Err(ex.Err).
		Str("venue", venueName).
		Str("asset", asset).
		Str("reason", ex.Reason).
		Int("consecutive_failures", failures).
		Msg("venue excluded from cycle")

	if becameDegraded {
		r.logger.Warn().
			Str("venue", venueName).
			Str("asset", asset).
			Int("consecutive_failures", failures).
			Msg("venue marked degraded")
	}
}

func (r *Registry) recordSuccess(venueName, asset string) {
	r.mu.Lock()
	h := r.entry(venueName, asset)
	recovered := h.Degraded
	h.ConsecutiveFailures = 0
	h.Degraded = false
	h.LastError = ""
	h.LastSuccess = r.now().UTC()
	r.mu.Unlock()

	if recovered {
		r.logger.Info().Str("venue", venueName).Str("asset", asset).Msg("venue recovered")
	}
}

// caller holds r.mu
func (r *Registry) entry(venueName, asset string) *Health {
	k := healthKey{venue: venueName, asset: asset}
	h, ok := r.health[k]
	if !ok {
		h = &Health{Venue: venueName, Asset: asset}
		r.health[k] = h
	}
	return h
}

// Health returns a snapshot sorted by venue then asset.
func (r *Registry) Health() []Health {
	r.mu.Lock()
	out := make([]Health, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, *h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Degraded reports whether venue is currently degraded for asset.
func (r *Registry) Degraded(venueName, asset string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[healthKey{venue: venueName, asset: asset}]
	return ok && h.Degraded
}
