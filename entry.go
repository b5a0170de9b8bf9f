package ice

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/stun"
)

// stunEntryType distinguishes server-reflexive discovery transactions
// from connectivity checks.
type stunEntryType int

const (
	stunEntryServer stunEntryType = iota
	stunEntryCheck
)

// stunEntry is one outstanding or periodically re-armed STUN transaction.
type stunEntry struct {
	kind stunEntryType

	// pair is set for check entries only.
	pair *candidatePair

	record           *net.UDPAddr
	transactionID    [stun.TransactionIDSize]byte
	nextTransmission time.Time
	rto              time.Duration

	// retransmissions is the remaining transmission budget, the initial
	// send included; it counts down to zero.
	retransmissions int

	finished bool

	// armed is a one-shot cross-goroutine trigger: callers outside the
	// worker set it to request an immediate (re)transmission, the worker
	// claims it with a compare-and-swap when firing.
	armed atomic.Bool
}

// trigger requests an immediate transmission from outside the worker.
func (e *stunEntry) trigger() {
	e.armed.Store(true)
}

// consumeTrigger atomically claims the one-shot trigger, returning
// whether it was set.
func (e *stunEntry) consumeTrigger() bool {
	return e.armed.CompareAndSwap(true, false)
}

// armTransmission schedules a fresh transaction on the entry after
// delay: new transaction ID, reset backoff and retransmission budget.
// The budget counts every transmission including the first, so an
// unanswered transaction is abandoned after maxStunRetransmissionCount
// sends, ~15 s of doubling backoff at the default RTO.
func (a *Agent) armTransmission(e *stunEntry, now time.Time, delay time.Duration) {
	e.transactionID = stun.NewTransactionID()
	e.rto = a.rto
	e.retransmissions = maxStunRetransmissionCount
	e.finished = false
	e.nextTransmission = now.Add(delay)
	e.armed.Store(false)
}

func (a *Agent) addCheckEntry(p *candidatePair) *stunEntry {
	if len(a.entries) >= maxStunEntries {
		a.log.Warnf("STUN entry table full, dropping check for %s", p.remote)
		return nil
	}
	e := &stunEntry{
		kind:   stunEntryCheck,
		pair:   p,
		record: p.remote.Addr,
	}
	a.armTransmission(e, time.Now(), 0)
	a.entries = append(a.entries, e)
	return e
}

func (a *Agent) addServerEntry(addr *net.UDPAddr) *stunEntry {
	if len(a.entries) >= maxStunEntries {
		a.log.Warnf("STUN entry table full, dropping server record %s", addr)
		return nil
	}
	e := &stunEntry{
		kind:   stunEntryServer,
		record: addr,
	}
	a.armTransmission(e, time.Now(), 0)
	a.entries = append(a.entries, e)
	return e
}

func (a *Agent) findEntryByTransaction(id [stun.TransactionIDSize]byte) *stunEntry {
	for _, e := range a.entries {
		if e.transactionID == id {
			return e
		}
	}
	return nil
}

func (a *Agent) findEntryByPair(p *candidatePair) *stunEntry {
	for _, e := range a.entries {
		if e.pair == p {
			return e
		}
	}
	return nil
}

// eligible reports whether the entry may transmit at all in the current
// agent state. The caller holds the agent mutex.
func (a *Agent) eligible(e *stunEntry) bool {
	if e.finished {
		return false
	}
	if e.kind == stunEntryServer {
		return true
	}
	// Checks need remote credentials for USERNAME and MESSAGE-INTEGRITY.
	if a.remote.ufrag == "" || a.remote.pwd == "" {
		return false
	}
	switch e.pair.state {
	case CandidatePairStateFrozen, CandidatePairStateFailed:
		return false
	case CandidatePairStateSucceeded:
		// Succeeded pairs only keep transmitting as the selected
		// keepalive, or when re-armed for nomination.
		return a.selectedEntry.Load() == e || e.pair.useCandidate && !e.pair.nominated
	}
	return true
}

// nextTransmissionEntry picks the entry to fire at now, honoring the
// scheduler ordering: armed triggers first, then waiting pairs in
// priority order, then due retransmissions and the selected keepalive.
func (a *Agent) nextTransmissionEntry(now time.Time) *stunEntry {
	var best *stunEntry
	bestClass := 0
	var bestPriority uint64
	controlling := a.role == RoleControlling

	for _, e := range a.entries {
		if !a.eligible(e) {
			continue
		}
		armed := e.armed.Load()
		due := !now.Before(e.nextTransmission)
		if !armed && !due {
			continue
		}

		class := 1
		var priority uint64
		if armed {
			class = 3
		} else if e.pair != nil && e.pair.state == CandidatePairStateWaiting {
			class = 2
		}
		if e.pair != nil {
			priority = e.pair.priority(controlling)
		}

		if best == nil || class > bestClass || class == bestClass && priority > bestPriority {
			best, bestClass, bestPriority = e, class, priority
		}
	}
	return best
}

// nextDeadline returns the earliest instant at which the worker has
// something to do: entry transmissions, the pacing gate, or the fail
// deadline. A zero time means nothing is scheduled.
func (a *Agent) nextDeadline(now time.Time) time.Time {
	var deadline time.Time
	earlier := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}

	pacingGate := a.lastStunSent.Add(stunPacingTime)
	for _, e := range a.entries {
		if !a.eligible(e) {
			continue
		}
		next := e.nextTransmission
		if e.armed.Load() {
			next = now
		}
		if next.Before(pacingGate) && !a.lastStunSent.IsZero() {
			next = pacingGate
		}
		earlier(next)
	}
	earlier(a.failDeadline)
	return deadline
}
