package ice

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/stun"
)

func assertInboundUsername(m *stun.Message, expectedUsername string) error {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return err
	}

	if !strings.HasPrefix(string(username), expectedUsername) {
		return fmt.Errorf("username mismatch expected(%s) actual(%s)", expectedUsername, string(username))
	}

	return nil
}

func assertInboundMessageIntegrity(m *stun.Message, key []byte) error {
	messageIntegrityAttr := stun.MessageIntegrity(key)
	return messageIntegrityAttr.Check(m)
}

// assertInboundFingerprint verifies FINGERPRINT when present. STUN
// servers are not required to add one.
func assertInboundFingerprint(m *stun.Message) error {
	if err := stun.Fingerprint.Check(m); err != nil && !errors.Is(err, stun.ErrAttributeNotFound) {
		return err
	}
	return nil
}

// buildServerRequest is the plain binding request sent to a STUN server
// for server-reflexive discovery.
func (a *Agent) buildServerRequest(e *stunEntry) (*stun.Message, error) {
	return stun.Build(stun.BindingRequest,
		stun.NewTransactionIDSetter(e.transactionID),
		stun.Fingerprint,
	)
}

// buildCheckRequest is the authenticated connectivity check for the
// entry's pair. The controlling agent adds USE-CANDIDATE on nominating
// checks; the PRIORITY attribute carries the peer-reflexive priority of
// the local base per RFC 8445 7.1.1.
func (a *Agent) buildCheckRequest(e *stunEntry) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.BindingRequest,
		stun.NewTransactionIDSetter(e.transactionID),
		stun.NewUsername(a.remote.ufrag + ":" + a.local.ufrag),
	}

	if a.role == RoleControlling {
		setters = append(setters, AttrControlling(a.tieBreaker))
		if e.pair.useCandidate {
			setters = append(setters, UseCandidate)
		}
	} else {
		setters = append(setters, AttrControlled(a.tieBreaker))
	}

	setters = append(setters,
		PriorityAttr(a.prflxPriorityFor(e.pair)),
		stun.NewShortTermIntegrity(a.remote.pwd),
		stun.Fingerprint,
	)
	return stun.Build(setters...)
}

func (a *Agent) prflxPriorityFor(p *candidatePair) uint32 {
	if p.local != nil {
		return computePriority(CandidateTypePeerReflexive, p.local.Addr.IP, p.local.Component)
	}
	return computePriority(CandidateTypePeerReflexive, p.remote.Addr.IP, defaultComponent)
}

// sendBindingSuccess answers an inbound request, echoing its transaction
// and mirroring the source in XOR-MAPPED-ADDRESS.
func (a *Agent) sendBindingSuccess(m *stun.Message, source *net.UDPAddr) {
	out, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{
			IP:   source.IP,
			Port: source.Port,
		},
		stun.NewShortTermIntegrity(a.local.pwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Warnf("Failed to build binding success for %s: %v", source, err)
		return
	}
	a.writeStunResponse(out, source)
}

// sendBindingError answers an inbound request with an error response,
// used for 487 role conflicts.
func (a *Agent) sendBindingError(m *stun.Message, source *net.UDPAddr, code stun.ErrorCode) {
	out, err := stun.Build(m, stun.BindingError,
		code,
		stun.NewShortTermIntegrity(a.local.pwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Warnf("Failed to build binding error for %s: %v", source, err)
		return
	}
	a.writeStunResponse(out, source)
}
