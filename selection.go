package ice

import (
	"net"
	"time"

	"github.com/pion/stun"
)

// dispatchStun routes a decoded inbound STUN message. Authentication
// failures drop the packet silently; they are never surfaced to the
// application. The caller holds the mutex.
func (a *Agent) dispatchStun(m *stun.Message, src *net.UDPAddr) {
	if m.Type.Method != stun.MethodBinding {
		a.log.Tracef("unhandled STUN from %s method(%s)", src, m.Type.Method)
		return
	}

	switch m.Type.Class {
	case stun.ClassRequest:
		a.handleBindingRequest(m, src)
	case stun.ClassSuccessResponse:
		a.handleBindingSuccess(m, src)
	case stun.ClassErrorResponse:
		a.handleBindingError(m, src)
	case stun.ClassIndication:
		// Consent/keepalive traffic, consumed silently.
	}
}

// handleBindingRequest authenticates an inbound check, resolves role
// conflicts, learns peer-reflexive candidates and answers with a binding
// success mirroring the source address.
func (a *Agent) handleBindingRequest(m *stun.Message, src *net.UDPAddr) {
	if err := assertInboundFingerprint(m); err != nil {
		a.log.Warnf("discard request from %s: %v", src, err)
		return
	}
	if err := assertInboundUsername(m, a.local.ufrag+":"); err != nil {
		a.log.Warnf("discard request from %s: %v", src, err)
		return
	}
	if err := assertInboundMessageIntegrity(m, []byte(a.local.pwd)); err != nil {
		a.log.Warnf("discard request from %s: %v", src, err)
		return
	}

	a.callback(EventReceiveRequest, a.conn.LocalAddr().String(), src.String())

	if conflict := a.resolveRoleConflict(m, src); conflict {
		return
	}

	remote := a.findRemoteCandidateByAddr(src)
	if remote == nil {
		// RFC 8445 7.3.1.3: an unknown source becomes a peer-reflexive
		// remote candidate with the priority signaled in the request.
		var priority PriorityAttr
		if err := priority.GetFrom(m); err != nil {
			a.log.Debugf("request from %s without PRIORITY: %v", src, err)
		}
		remote = newRemotePeerReflexiveCandidate(cloneUDPAddr(src), uint32(priority))
		a.log.Debugf("adding a new peer-reflexive candidate: %s", src)
		a.addRemoteCandidate(remote)
	}

	local := a.bestLocalFor(remote)
	pair := a.findPair(local, remote)
	if pair == nil {
		pair = a.addPair(local, remote)
	}

	a.sendBindingSuccess(m, src)

	if pair == nil {
		return
	}

	// Queue a triggered check so the reverse direction is validated
	// promptly. An inbound request is fresh evidence of reachability, so
	// frozen and failed pairs re-enter the waiting set.
	if pair.state != CandidatePairStateSucceeded {
		if pair.state == CandidatePairStateFrozen || pair.state == CandidatePairStateFailed {
			pair.state = CandidatePairStateWaiting
		}
		if e := a.findEntryByPair(pair); e != nil {
			if e.finished {
				a.armTransmission(e, time.Now(), 0)
			}
			e.trigger()
		}
	}

	if m.Contains(stun.AttrUseCandidate) && a.role == RoleControlled {
		pair.nominated = true
		if pair.state == CandidatePairStateSucceeded {
			if e := a.findEntryByPair(pair); e != nil {
				a.selectPair(e)
			}
		}
	}
}

// resolveRoleConflict implements RFC 8445 7.3.1.1. It reports true when
// the request was answered with 487 and processing must stop.
func (a *Agent) resolveRoleConflict(m *stun.Message, src *net.UDPAddr) bool {
	switch a.role {
	case RoleControlling:
		var theirs AttrControlling
		if err := theirs.GetFrom(m); err != nil {
			return false
		}
		if a.tieBreaker >= uint64(theirs) {
			a.sendBindingError(m, src, stun.CodeRoleConflict)
			return true
		}
		a.switchRole()
	case RoleControlled:
		var theirs AttrControlled
		if err := theirs.GetFrom(m); err != nil {
			return false
		}
		if a.tieBreaker >= uint64(theirs) {
			a.switchRole()
			return false
		}
		a.sendBindingError(m, src, stun.CodeRoleConflict)
		return true
	}
	return false
}

// switchRole flips the agent role and reorders the pair table, since
// pair priorities depend on which side is controlling.
func (a *Agent) switchRole() {
	if a.role == RoleControlling {
		a.role = RoleControlled
	} else {
		a.role = RoleControlling
	}
	a.log.Debugf("switched role to %s", a.role)

	// A former controlling agent abandons its pending nominations; the
	// peer with the higher tiebreaker nominates from here on.
	if a.role == RoleControlled {
		for _, p := range a.pairs {
			p.useCandidate = false
		}
	}
	a.updateOrderedPairs()
}

// handleBindingSuccess matches a success response to its transaction and
// advances the pair table, nomination and agent state.
func (a *Agent) handleBindingSuccess(m *stun.Message, src *net.UDPAddr) {
	e := a.findEntryByTransaction(m.TransactionID)
	if e == nil {
		a.log.Warnf("discard message from %s, unknown TransactionID 0x%x", src, m.TransactionID)
		return
	}

	// Assert that NAT is not symmetric
	// https://tools.ietf.org/html/rfc8445#section-7.2.5.2.1
	if !addrEqual(e.record, src) {
		a.log.Debugf("discard message: transaction source and destination does not match expected(%s), actual(%s)", e.record, src)
		return
	}

	if e.kind == stunEntryServer {
		a.handleServerResponse(m, e)
		return
	}

	if err := assertInboundFingerprint(m); err != nil {
		a.log.Warnf("discard response from %s: %v", src, err)
		return
	}
	if err := assertInboundMessageIntegrity(m, []byte(a.remote.pwd)); err != nil {
		a.log.Warnf("discard response from %s: %v", src, err)
		return
	}
	a.callback(EventReceiveSuccessResponse, a.conn.LocalAddr().String(), src.String())
	a.handleCheckSuccess(m, e)
}

// handleServerResponse finishes a server-reflexive discovery
// transaction, surfacing the mapped address as a srflx candidate.
func (a *Agent) handleServerResponse(m *stun.Message, e *stunEntry) {
	e.finished = true

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(m); err != nil {
		a.log.Warnf("STUN server response without XOR-MAPPED-ADDRESS: %v", err)
		a.updateGatheringDone()
		return
	}

	addr := &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}
	base := a.conn.LocalAddr().(*net.UDPAddr)
	if a.local.findCandidate(&Candidate{Addr: addr}) == nil {
		a.addLocalCandidate(newServerReflexiveCandidate(addr, base), true)
	}
	a.updateGatheringDone()
}

// handleCheckSuccess marks the pair succeeded and drives nomination and
// the state machine.
func (a *Agent) handleCheckSuccess(m *stun.Message, e *stunEntry) {
	pair := e.pair

	// A mapped address we never gathered is a peer-reflexive local
	// candidate.
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(m); err == nil {
		addr := &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}
		if a.local.findCandidate(&Candidate{Addr: addr}) == nil {
			base := a.conn.LocalAddr().(*net.UDPAddr)
			a.addLocalCandidate(newLocalPeerReflexiveCandidate(addr, base), false)
		}
	}

	pair.state = CandidatePairStateSucceeded
	a.log.Debugf("Found valid candidate pair: %s", pair)
	a.unfreezeFoundation(pair)
	a.failDeadline = time.Time{}
	a.updateState(ConnectionStateConnected)

	nominating := pair.useCandidate && a.role == RoleControlling

	selected := a.selectedEntry.Load()
	switch {
	case nominating, pair.nominated && a.role == RoleControlled:
		a.selectPair(e)
	case selected == e:
		// Keepalive answered; schedule the next one as a fresh
		// transaction.
		a.armTransmission(e, time.Now(), a.keepaliveInterval)
	default:
		e.finished = true
	}

	if a.role == RoleControlling && a.selectedEntry.Load() == nil {
		a.nominateBest()
	}
}

// nominateBest re-issues the check on the highest-priority succeeded
// pair with USE-CANDIDATE set. The caller holds the mutex.
func (a *Agent) nominateBest() {
	best := a.bestSucceededPair()
	if best == nil || best.useCandidate {
		return
	}
	e := a.findEntryByPair(best)
	if e == nil {
		return
	}
	a.log.Debugf("nominating pair %s", best)
	best.useCandidate = true
	a.armTransmission(e, time.Now(), 0)
	e.trigger()
}

// selectPair publishes the nominated entry for lock-free readers and
// completes the session. The caller holds the mutex.
func (a *Agent) selectPair(e *stunEntry) {
	prev := a.selectedEntry.Load()
	if prev == e {
		a.armTransmission(e, time.Now(), a.keepaliveInterval)
		return
	}

	e.pair.nominated = true
	a.selectedEntry.Store(e)
	a.log.Debugf("Set selected candidate pair: %s", e.pair)
	a.callback(EventSetSelectedPair, a.conn.LocalAddr().String(), e.record.String())

	// The selected entry stays live as the keepalive transaction.
	a.armTransmission(e, time.Now(), a.keepaliveInterval)
	a.updateState(ConnectionStateCompleted)
}

// handleBindingError fails the transaction, except for 487 role
// conflicts which flip the role and retry immediately.
func (a *Agent) handleBindingError(m *stun.Message, src *net.UDPAddr) {
	e := a.findEntryByTransaction(m.TransactionID)
	if e == nil {
		a.log.Warnf("discard error from %s, unknown TransactionID 0x%x", src, m.TransactionID)
		return
	}
	if !addrEqual(e.record, src) {
		return
	}

	if e.kind == stunEntryCheck {
		if err := assertInboundFingerprint(m); err != nil {
			a.log.Warnf("discard error from %s: %v", src, err)
			return
		}
		if err := assertInboundMessageIntegrity(m, []byte(a.remote.pwd)); err != nil {
			a.log.Warnf("discard error from %s: %v", src, err)
			return
		}
	}
	a.callback(EventReceiveErrorResponse, a.conn.LocalAddr().String(), src.String())

	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err == nil && code.Code == stun.CodeRoleConflict && e.kind == stunEntryCheck {
		// RFC 8445 7.2.5.1: on 487 the check is repeated with the
		// reversed role.
		a.switchRole()
		a.armTransmission(e, time.Now(), 0)
		e.trigger()
		return
	}

	e.finished = true
	switch e.kind {
	case stunEntryServer:
		a.updateGatheringDone()
	case stunEntryCheck:
		e.pair.state = CandidatePairStateFailed
	}
}

func cloneUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}
