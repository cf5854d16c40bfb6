// Package trackermanager implements tiered tracker rotation with randomized
// intra-tier order and failover (spec §4.3).
package trackermanager

import (
	"context"
	"math/rand"
	"strings"

	"github.com/yoep/torrentcore/internal/tracker"
	"github.com/yoep/torrentcore/internal/tracker/httptracker"
	"github.com/yoep/torrentcore/internal/tracker/udptracker"
)

// Manager owns every tracker client for one torrent, grouped into tiers, and
// implements the failover/rotation policy of spec §4.3.
type Manager struct {
	tiers [][]tracker.Tracker
}

// New builds a Manager from tracker tiers of URLs (as returned by
// metainfo.MetaInfo.TrackerTiers), instantiating an HTTP or UDP client per
// URL scheme. Unsupported schemes are skipped.
func New(tierURLs [][]string) *Manager {
	m := &Manager{}
	for _, tier := range tierURLs {
		var clients []tracker.Tracker
		for _, u := range tier {
			if c := newClient(u); c != nil {
				clients = append(clients, c)
			}
		}
		if len(clients) > 0 {
			m.tiers = append(m.tiers, clients)
		}
	}
	return m
}

func newClient(u string) tracker.Tracker {
	switch {
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		return httptracker.New(u)
	case strings.HasPrefix(u, "udp://"):
		return udptracker.New(strings.TrimPrefix(u, "udp://"))
	default:
		return nil
	}
}

// Announce tries each tier in order; within a tier, order is randomized on
// every call (the tried order is never persisted, per spec §4.3) and the
// first tracker to succeed is used and moved to the front of its tier.
// Trackers after the winner in that tier are skipped; tiers are otherwise
// tried until one succeeds or all are exhausted.
func (m *Manager) Announce(ctx context.Context, req tracker.Torrent) (*tracker.AnnounceResponse, tracker.Tracker, error) {
	var lastErr error
	for _, tier := range m.tiers {
		order := rand.Perm(len(tier)) // nolint:gosec // rotation fairness, not security
		for _, idx := range order {
			t := tier[idx]
			resp, err := t.Announce(ctx, req)
			if err == nil {
				promote(tier, idx)
				return resp, t, nil
			}
			lastErr = err
		}
	}
	return nil, nil, lastErr
}

// promote moves tier[idx] to the front. Announce re-randomizes the try order
// on every call, so this does not change which tracker is tried first; it
// only makes Tiers() list the last winner first in its tier.
func promote(tier []tracker.Tracker, idx int) {
	if idx == 0 {
		return
	}
	t := tier[idx]
	copy(tier[1:idx+1], tier[0:idx])
	tier[0] = t
}

// Tiers exposes the tracker clients, e.g. for the TrackersChanged event.
func (m *Manager) Tiers() [][]tracker.Tracker {
	return m.tiers
}
