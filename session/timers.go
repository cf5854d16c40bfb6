package session

import (
	"math/rand"
	"sort"

	"github.com/yoep/torrentcore/internal/peer"
)

// tickUnchoke re-ranks interested peers by current transfer rate and
// unchokes the top UnchokedPeers of them, choking the rest (spec §4.6): by
// upload rate while seeding so the fastest downloaders are rewarded, by
// download rate otherwise so the fastest sources keep flowing.
func (c *Controller) tickUnchoke() {
	peers := make([]*peer.Peer, 0, len(c.peers))
	for pe := range c.peers {
		if pe.IsInterested() && !pe.IsOptimisticUnchoked() {
			peers = append(peers, pe)
		}
	}
	seeding := c.bf != nil && c.bf.All()
	rates := make(map[*peer.Peer]float64, len(peers))
	for _, pe := range peers {
		st := pe.Stats()
		if seeding {
			rates[pe] = st.UploadSpeed
		} else {
			rates[pe] = st.DownloadSpeed
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return rates[peers[i]] > rates[peers[j]]
	})

	var unchoked int
	for _, pe := range peers {
		if unchoked < c.cfg.UnchokedPeers {
			pe.Unchoke()
			unchoked++
		} else {
			pe.Choke()
		}
	}
}

// tickOptimisticUnchoke rotates a small, randomly chosen set of currently
// choked-but-interested peers into an unchoke regardless of rate, giving new
// or slow peers a chance to prove themselves (spec §4.6).
func (c *Controller) tickOptimisticUnchoke() {
	candidates := make([]*peer.Peer, 0, len(c.peers))
	for pe := range c.peers {
		if pe.IsInterested() && !pe.IsOptimisticUnchoked() && pe.IsChokingThem() {
			candidates = append(candidates, pe)
		}
	}

	for pe := range c.optimisticUnchoked {
		pe.SetOptimisticUnchoked(false)
		pe.Choke()
		delete(c.optimisticUnchoked, pe)
	}

	for i := 0; i < c.cfg.OptimisticUnchokedPeers; i++ {
		if len(candidates) == 0 {
			break
		}
		j := rand.Intn(len(candidates))
		pe := candidates[j]
		candidates = append(candidates[:j], candidates[j+1:]...)
		pe.SetOptimisticUnchoked(true)
		pe.Unchoke()
		c.optimisticUnchoked[pe] = struct{}{}
	}
}
