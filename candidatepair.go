package ice

import (
	"fmt"
	"sort"
)

// CandidatePairState is the state of a checklist pair.
type CandidatePairState int

const (
	// CandidatePairStateFrozen means the pair is not yet eligible for
	// checks because a same-foundation pair is ahead of it.
	CandidatePairStateFrozen CandidatePairState = iota

	// CandidatePairStateWaiting means the pair is eligible for the pacer.
	CandidatePairStateWaiting

	// CandidatePairStateInProgress means a check is outstanding.
	CandidatePairStateInProgress

	// CandidatePairStateSucceeded means a check produced a verified
	// success response.
	CandidatePairStateSucceeded

	// CandidatePairStateFailed means all checks on the pair were
	// exhausted without success.
	CandidatePairStateFailed
)

func (s CandidatePairState) String() string {
	switch s {
	case CandidatePairStateFrozen:
		return "frozen"
	case CandidatePairStateWaiting:
		return "waiting"
	case CandidatePairStateInProgress:
		return "in-progress"
	case CandidatePairStateSucceeded:
		return "succeeded"
	case CandidatePairStateFailed:
		return "failed"
	default:
		return "Invalid"
	}
}

// candidatePair represents a combination of a local and remote candidate.
type candidatePair struct {
	local  *Candidate
	remote *Candidate

	state     CandidatePairState
	nominated bool

	// useCandidate marks that our outbound checks on this pair carry
	// USE-CANDIDATE (controlling role only).
	useCandidate bool
}

func (p *candidatePair) String() string {
	return fmt.Sprintf("prio %d state %s %s <-> %s nominated %t",
		p.priority(true), p.state, p.local, p.remote, p.nominated)
}

func (p *candidatePair) foundation() string {
	f := p.remote.Foundation
	if p.local != nil {
		f = p.local.Foundation + f
	}
	return f
}

func (p *candidatePair) localPriority() uint32 {
	if p.local == nil {
		return 0
	}
	return p.local.Priority
}

// RFC 8445 6.1.2.3. Computing Pair Priority and Ordering Pairs
// Let G be the priority for the candidate provided by the controlling
// agent. Let D be the priority for the candidate provided by the
// controlled agent.
// pair priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0)
func (p *candidatePair) priority(controlling bool) uint64 {
	var g, d uint32
	if controlling {
		g = p.localPriority()
		d = p.remote.Priority
	} else {
		g = p.remote.Priority
		d = p.localPriority()
	}

	min := func(x, y uint32) uint64 {
		if x < y {
			return uint64(x)
		}
		return uint64(y)
	}
	max := func(x, y uint32) uint64 {
		if x > y {
			return uint64(x)
		}
		return uint64(y)
	}
	cmp := func(x, y uint32) uint64 {
		if x > y {
			return uint64(1)
		}
		return uint64(0)
	}

	return (1<<32)*min(g, d) + 2*max(g, d) + cmp(g, d)
}

// findPair returns the pair for the exact (local, remote) combination,
// if any.
func (a *Agent) findPair(local, remote *Candidate) *candidatePair {
	for _, p := range a.pairs {
		if p.local.Equal(local) && p.remote.Equal(remote) {
			return p
		}
	}
	return nil
}

// findPairByRemote returns the highest-priority pair whose remote
// candidate matches c, if any.
func (a *Agent) findPairByRemote(c *Candidate) *candidatePair {
	for _, p := range a.ordered {
		if p.remote.Equal(c) {
			return p
		}
	}
	return nil
}

// addPair inserts a pair for the (local, remote) combination,
// deduplicating by that key, and creates its check entry. Returns nil
// when either table is full.
func (a *Agent) addPair(local, remote *Candidate) *candidatePair {
	if local == nil || remote == nil {
		return nil
	}
	if p := a.findPair(local, remote); p != nil {
		return p
	}
	if len(a.pairs) >= maxCandidatePairs {
		a.log.Warnf("candidate pair table full, dropping %s <-> %s", local, remote)
		return nil
	}

	p := &candidatePair{
		local:  local,
		remote: remote,
		state:  CandidatePairStateFrozen,
	}
	if a.addCheckEntry(p) == nil {
		return nil
	}
	a.pairs = append(a.pairs, p)
	a.unfreezeCandidatePair(p)
	a.updateOrderedPairs()
	a.log.Debugf("Add candidate pair: %s", p)
	return p
}

// unfreezeCandidatePair moves a frozen pair to waiting when no other pair
// of the same foundation is waiting or in progress.
func (a *Agent) unfreezeCandidatePair(p *candidatePair) {
	if p.state != CandidatePairStateFrozen {
		return
	}
	for _, q := range a.pairs {
		if q == p || q.foundation() != p.foundation() {
			continue
		}
		if q.state == CandidatePairStateWaiting || q.state == CandidatePairStateInProgress {
			return
		}
	}
	p.state = CandidatePairStateWaiting
}

// unfreezeFoundation unfreezes every pair sharing the foundation of a
// pair that just succeeded.
func (a *Agent) unfreezeFoundation(p *candidatePair) {
	for _, q := range a.pairs {
		if q.state == CandidatePairStateFrozen && q.foundation() == p.foundation() {
			q.state = CandidatePairStateWaiting
		}
	}
}

// updateOrderedPairs recomputes the priority-sorted view of the pair
// table. It must run after every table mutation and role change.
func (a *Agent) updateOrderedPairs() {
	a.ordered = a.ordered[:0]
	a.ordered = append(a.ordered, a.pairs...)
	controlling := a.role == RoleControlling
	sort.SliceStable(a.ordered, func(i, j int) bool {
		return a.ordered[i].priority(controlling) > a.ordered[j].priority(controlling)
	})
}

// bestLocalFor picks the local candidate an inbound datagram is
// attributed to: a host candidate of the same address family when one
// exists. All local candidates share the agent socket, so the receiving
// side of a check cannot be told apart by the transport alone.
func (a *Agent) bestLocalFor(remote *Candidate) *Candidate {
	var fallback *Candidate
	for _, c := range a.local.candidates {
		if c.Type != CandidateTypeHost {
			continue
		}
		if fallback == nil {
			fallback = c
		}
		if (c.Addr.IP.To4() == nil) == (remote.Addr.IP.To4() == nil) {
			return c
		}
	}
	if fallback == nil && len(a.local.candidates) > 0 {
		fallback = a.local.candidates[0]
	}
	return fallback
}

// hasSucceededPair reports whether any pair has succeeded.
func (a *Agent) hasSucceededPair() bool {
	for _, p := range a.pairs {
		if p.state == CandidatePairStateSucceeded {
			return true
		}
	}
	return false
}

// bestSucceededPair returns the highest-priority succeeded pair.
func (a *Agent) bestSucceededPair() *candidatePair {
	for _, p := range a.ordered {
		if p.state == CandidatePairStateSucceeded {
			return p
		}
	}
	return nil
}
