package ice

import (
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CandidateType represents the type of an ICE candidate.
type CandidateType int

// Candidate types in decreasing type preference order.
const (
	CandidateTypeHost CandidateType = iota
	CandidateTypePeerReflexive
	CandidateTypeServerReflexive
	CandidateTypeRelay
)

// Preference returns the RFC 8445 type preference of the candidate type.
func (c CandidateType) Preference() uint16 {
	switch c {
	case CandidateTypeHost:
		return 126
	case CandidateTypePeerReflexive:
		return 110
	case CandidateTypeServerReflexive:
		return 100
	case CandidateTypeRelay:
		return 0
	default:
		return 0
	}
}

func (c CandidateType) String() string {
	switch c {
	case CandidateTypeHost:
		return "host"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypeRelay:
		return "relay"
	default:
		return "Unknown candidate type"
	}
}

func candidateTypeFromString(s string) (CandidateType, bool) {
	switch s {
	case "host":
		return CandidateTypeHost, true
	case "prflx":
		return CandidateTypePeerReflexive, true
	case "srflx":
		return CandidateTypeServerReflexive, true
	case "relay":
		return CandidateTypeRelay, true
	default:
		return CandidateTypeHost, false
	}
}

// defaultComponent is the single RTP component this agent negotiates.
const defaultComponent uint16 = 1

// Candidate represents a single ICE transport address.
type Candidate struct {
	Type       CandidateType
	Addr       *net.UDPAddr
	Priority   uint32
	Foundation string
	Component  uint16

	// RelatedAddr is the base address for reflexive candidates
	// (raddr/rport in SDP), nil otherwise.
	RelatedAddr *net.UDPAddr
}

// localPreference prefers IPv6 addresses over IPv4 unless link-local.
func localPreference(ip net.IP) uint16 {
	if ip.To4() == nil && isSupportedIPv6(ip) {
		return 65535
	}
	return 32767
}

// computePriority computes the RFC 8445 5.1.2 candidate priority.
func computePriority(t CandidateType, ip net.IP, component uint16) uint32 {
	return (1<<24)*uint32(t.Preference()) +
		(1<<8)*uint32(localPreference(ip)) +
		uint32(256-component)
}

// foundationFor collapses candidates sharing type and base address into a
// single foundation string.
func foundationFor(t CandidateType, base net.IP) string {
	sum := crc32.ChecksumIEEE([]byte(t.String() + base.String() + "udp"))
	return strconv.FormatUint(uint64(sum), 10)
}

func newHostCandidate(addr *net.UDPAddr) *Candidate {
	return &Candidate{
		Type:       CandidateTypeHost,
		Addr:       addr,
		Priority:   computePriority(CandidateTypeHost, addr.IP, defaultComponent),
		Foundation: foundationFor(CandidateTypeHost, addr.IP),
		Component:  defaultComponent,
	}
}

func newServerReflexiveCandidate(addr, base *net.UDPAddr) *Candidate {
	return &Candidate{
		Type:        CandidateTypeServerReflexive,
		Addr:        addr,
		Priority:    computePriority(CandidateTypeServerReflexive, addr.IP, defaultComponent),
		Foundation:  foundationFor(CandidateTypeServerReflexive, base.IP),
		Component:   defaultComponent,
		RelatedAddr: base,
	}
}

func newLocalPeerReflexiveCandidate(addr, base *net.UDPAddr) *Candidate {
	return &Candidate{
		Type:        CandidateTypePeerReflexive,
		Addr:        addr,
		Priority:    computePriority(CandidateTypePeerReflexive, addr.IP, defaultComponent),
		Foundation:  foundationFor(CandidateTypePeerReflexive, base.IP),
		Component:   defaultComponent,
		RelatedAddr: base,
	}
}

// newRemotePeerReflexiveCandidate builds a remote candidate learned from
// the source address of an inbound binding request. The priority comes
// from the request's PRIORITY attribute.
func newRemotePeerReflexiveCandidate(addr *net.UDPAddr, priority uint32) *Candidate {
	if priority == 0 {
		priority = computePriority(CandidateTypePeerReflexive, addr.IP, defaultComponent)
	}
	return &Candidate{
		Type:       CandidateTypePeerReflexive,
		Addr:       addr,
		Priority:   priority,
		Foundation: foundationFor(CandidateTypePeerReflexive, addr.IP),
		Component:  defaultComponent,
	}
}

// Equal reports whether two candidates refer to the same transport
// address.
func (c *Candidate) Equal(other *Candidate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return addrEqual(c.Addr, other.Addr)
}

// String makes the candidate printable.
func (c *Candidate) String() string {
	if c == nil {
		return "(none)"
	}
	return fmt.Sprintf("(%s %s prio %d)", c.Type, c.Addr, c.Priority)
}

// Marshal renders the candidate as the value of an SDP a=candidate
// attribute.
func (c *Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d udp %d %s %d typ %s",
		c.Foundation, c.Component, c.Priority, c.Addr.IP, c.Addr.Port, c.Type)
	if c.RelatedAddr != nil {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddr.IP, c.RelatedAddr.Port)
	}
	return b.String()
}

// UnmarshalCandidate parses an SDP candidate attribute. Leading "a=" and
// "candidate:" markers are tolerated so both full SDP lines and trickled
// fragments parse.
func UnmarshalCandidate(raw string) (*Candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "a=")
	raw = strings.TrimPrefix(raw, "candidate:")

	fields := strings.Fields(raw)
	if len(fields) < 8 {
		return nil, errors.Wrapf(ErrInvalidSDP, "short candidate %q", raw)
	}

	if !strings.EqualFold(fields[2], "udp") {
		return nil, ErrUnsupportedTransport
	}

	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSDP, "component")
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSDP, "priority")
	}
	ip := net.ParseIP(fields[4])
	if ip == nil {
		return nil, errors.Wrapf(ErrInvalidSDP, "address %q", fields[4])
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSDP, "port")
	}
	if fields[6] != "typ" {
		return nil, errors.Wrap(ErrInvalidSDP, "missing typ")
	}
	typ, ok := candidateTypeFromString(fields[7])
	if !ok {
		return nil, errors.Wrapf(ErrInvalidSDP, "candidate type %q", fields[7])
	}

	c := &Candidate{
		Type:       typ,
		Addr:       &net.UDPAddr{IP: ip, Port: int(port)},
		Priority:   uint32(priority),
		Foundation: fields[0],
		Component:  uint16(component),
	}

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			rip := net.ParseIP(fields[i+1])
			if rip == nil {
				return nil, errors.Wrap(ErrInvalidSDP, "raddr")
			}
			if c.RelatedAddr == nil {
				c.RelatedAddr = &net.UDPAddr{}
			}
			c.RelatedAddr.IP = rip
		case "rport":
			rport, err := strconv.ParseUint(fields[i+1], 10, 16)
			if err != nil {
				return nil, errors.Wrap(ErrInvalidSDP, "rport")
			}
			if c.RelatedAddr == nil {
				c.RelatedAddr = &net.UDPAddr{}
			}
			c.RelatedAddr.Port = int(rport)
		default:
			// Unknown extension tokens are ignored.
		}
	}

	return c, nil
}
