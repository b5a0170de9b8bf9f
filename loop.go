package ice

import (
	"net"
	"time"

	"github.com/pion/stun"
)

// idleReadTimeout bounds a single blocking read when no timer is
// scheduled, so the worker periodically revisits its state.
const idleReadTimeout = time.Minute

// loop is the agent worker. Each iteration performs bookkeeping (due
// transmissions, retransmissions, keepalives, state progression) and
// then blocks reading the socket until the next deadline. External API
// calls wake it early by pulsing the read deadline.
func (a *Agent) loop() {
	defer close(a.loopDone)

	buf := make([]byte, a.maxMessageSize)
	for {
		select {
		case <-a.done:
			return
		default:
		}

		seq := a.interruptSeq.Load()

		a.mu.Lock()
		now := time.Now()
		deadline := a.bookkeeping(now)
		a.mu.Unlock()
		a.flushNotifies()

		if deadline.IsZero() {
			deadline = now.Add(idleReadTimeout)
		}
		_ = a.conn.SetReadDeadline(deadline)
		if a.interruptSeq.Load() != seq {
			// An interrupt raced our deadline update; force a wakeup so
			// the mutation is picked up on the next iteration.
			_ = a.conn.SetReadDeadline(time.Unix(0, 1))
		}

		n, src, err := a.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-a.done:
				return
			default:
			}
			a.log.Warnf("read failed: %v", err)
			continue
		}

		udp := parseAddr(src)
		if udp == nil {
			continue
		}
		a.handlePacket(buf[:n], udp)
		a.flushNotifies()
	}
}

// bookkeeping scans the entry table, fires due transmissions under the
// pacing budget, expires exhausted transactions, checks the fail
// deadline and returns the next wakeup instant. The caller holds the
// mutex.
func (a *Agent) bookkeeping(now time.Time) time.Time {
	if a.state == ConnectionStateFailed {
		return time.Time{}
	}

	if !a.failDeadline.IsZero() && !now.Before(a.failDeadline) {
		if a.hasSucceededPair() {
			a.failDeadline = time.Time{}
		} else {
			a.updateState(ConnectionStateFailed)
			return time.Time{}
		}
	}

	for {
		a.expireEntries(now)

		e := a.nextTransmissionEntry(now)
		if e == nil {
			break
		}
		if !a.lastStunSent.IsZero() && now.Sub(a.lastStunSent) < stunPacingTime {
			break
		}
		a.transmit(e, now)
	}

	return a.nextDeadline(now)
}

// expireEntries fails transactions that exhausted their retransmission
// budget. The caller holds the mutex.
func (a *Agent) expireEntries(now time.Time) {
	for _, e := range a.entries {
		if e.finished || e.retransmissions > 0 || now.Before(e.nextTransmission) {
			continue
		}
		if e.armed.Load() {
			continue
		}
		e.finished = true
		switch e.kind {
		case stunEntryServer:
			a.log.Debugf("STUN server %s unreachable, skipping", e.record)
			a.updateGatheringDone()
		case stunEntryCheck:
			a.log.Debugf("max retransmissions reached for pair %s, marking it as failed", e.pair)
			e.pair.state = CandidatePairStateFailed
		}
	}
}

// transmit fires one STUN transaction: the entry's first transmission
// when freshly armed, a retransmission otherwise. The caller holds the
// mutex.
func (a *Agent) transmit(e *stunEntry, now time.Time) {
	e.consumeTrigger()

	var (
		msg *stun.Message
		err error
	)
	if e.kind == stunEntryServer {
		msg, err = a.buildServerRequest(e)
	} else {
		msg, err = a.buildCheckRequest(e)
	}
	if err != nil {
		a.log.Errorf("failed to build binding request: %v", err)
		e.finished = true
		return
	}

	if e.pair != nil && e.pair.state == CandidatePairStateWaiting {
		e.pair.state = CandidatePairStateInProgress
	}

	a.writeStunRequest(msg, e.record, now)

	if e.retransmissions > 0 {
		e.retransmissions--
	}
	e.nextTransmission = now.Add(e.rto)
	if e.rto *= 2; e.rto > maxStunRetransmissionTimeout {
		e.rto = maxStunRetransmissionTimeout
	}
}

// writeStunRequest sends an agent-initiated transmission; these are the
// datagrams the Ta pacing applies to. The caller holds the mutex.
func (a *Agent) writeStunRequest(msg *stun.Message, dst *net.UDPAddr, now time.Time) {
	if _, err := a.conn.WriteTo(msg.Raw, dst); err != nil {
		a.log.Tracef("failed to send STUN message to %s: %v", dst, err)
		return
	}
	a.lastStunSent = now
	a.callback(EventSendRequest, a.conn.LocalAddr().String(), dst.String())
}

// writeStunResponse answers an inbound transaction immediately; response
// latency must not be subject to check pacing. The caller holds the
// mutex.
func (a *Agent) writeStunResponse(msg *stun.Message, dst *net.UDPAddr) {
	if _, err := a.conn.WriteTo(msg.Raw, dst); err != nil {
		a.log.Tracef("failed to send STUN message to %s: %v", dst, err)
		return
	}
	switch msg.Type.Class {
	case stun.ClassSuccessResponse:
		a.callback(EventSendSuccessResponse, a.conn.LocalAddr().String(), dst.String())
	case stun.ClassErrorResponse:
		a.callback(EventSendErrorResponse, a.conn.LocalAddr().String(), dst.String())
	}
}

// handlePacket classifies one inbound datagram: STUN by magic cookie,
// application data otherwise.
func (a *Agent) handlePacket(data []byte, src *net.UDPAddr) {
	if stun.IsMessage(data) {
		m := &stun.Message{Raw: make([]byte, len(data))}
		// Explicitly copy raw buffer so Message can own the memory.
		copy(m.Raw, data)
		if err := m.Decode(); err != nil {
			a.log.Warnf("Failed to decode STUN from %s: %v", src, err)
			return
		}
		a.mu.Lock()
		a.dispatchStun(m, src)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	known := a.findRemoteCandidateByAddr(src) != nil
	if !known {
		if e := a.selectedEntry.Load(); e != nil && addrEqual(e.record, src) {
			known = true
		}
	}
	hdlr := a.onDataHdlr
	a.mu.Unlock()

	if !known {
		a.log.Warnf("discarded %d bytes from %s, not a known remote", len(data), src)
		return
	}
	if hdlr != nil {
		payload := make([]byte, len(data))
		copy(payload, data)
		hdlr(payload)
	}
}

func (a *Agent) findRemoteCandidateByAddr(addr *net.UDPAddr) *Candidate {
	for _, c := range a.remote.candidates {
		if addrEqual(c.Addr, addr) {
			return c
		}
	}
	return nil
}
