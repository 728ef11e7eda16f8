package chat

import (
	"sync"

	"broadcaster/native/internal/domain"
)

// Presence tracks the participants of a channel and republishes the viewer
// count on every sync.
type Presence struct {
	onCount func(int)

	mu    sync.Mutex
	state domain.PresenceState
}

func NewPresence(onCount func(int)) *Presence {
	return &Presence{onCount: onCount, state: domain.PresenceState{}}
}

// Sync replaces the whole set.
func (p *Presence) Sync(set domain.PresenceState) int {
	p.mu.Lock()
	p.state = make(domain.PresenceState, len(set))
	for k, v := range set {
		p.state[k] = v
	}
	n := len(p.state)
	p.mu.Unlock()
	p.publish(n)
	return n
}

// ApplyDiff merges joined metas and drops left ones, removing participants
// with no metas left.
func (p *Presence) ApplyDiff(diff domain.PresenceDiff) int {
	p.mu.Lock()
	for key, joined := range diff.Joins {
		metas := append([]domain.PresenceMeta(nil), p.state[key].Metas...)
		seen := make(map[string]bool, len(metas))
		for _, m := range metas {
			seen[m.PhxRef] = true
		}
		for _, m := range joined.Metas {
			if !seen[m.PhxRef] {
				metas = append(metas, m)
			}
		}
		p.state[key] = domain.PresenceEntry{Metas: metas}
	}
	for key, left := range diff.Leaves {
		cur, ok := p.state[key]
		if !ok {
			continue
		}
		gone := make(map[string]bool, len(left.Metas))
		for _, m := range left.Metas {
			gone[m.PhxRef] = true
		}
		var kept []domain.PresenceMeta
		for _, m := range cur.Metas {
			if !gone[m.PhxRef] {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(p.state, key)
			continue
		}
		p.state[key] = domain.PresenceEntry{Metas: kept}
	}
	n := len(p.state)
	p.mu.Unlock()
	p.publish(n)
	return n
}

func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state)
}

func (p *Presence) publish(n int) {
	if p.onCount != nil {
		p.onCount(n)
	}
}
