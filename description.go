package ice

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// maxDescriptionSize bounds inbound SDP text before parsing.
const maxDescriptionSize = 8192

// iceDescription is one side's credentials and candidate list.
type iceDescription struct {
	ufrag         string
	pwd           string
	candidates    []*Candidate
	gatheringDone bool
}

func (d *iceDescription) findCandidate(c *Candidate) *Candidate {
	for _, have := range d.candidates {
		if have.Equal(c) {
			return have
		}
	}
	return nil
}

// GetLocalDescription renders the local ICE description as session-level
// SDP.
func (a *Agent) GetLocalDescription() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", ErrClosed
	}

	a.sessionVersion++
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      a.sessionID,
			SessionVersion: a.sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			{Key: "ice-ufrag", Value: a.local.ufrag},
			{Key: "ice-pwd", Value: a.local.pwd},
			{Key: "ice-options", Value: "trickle"},
		},
	}
	for _, c := range a.local.candidates {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{
			Key:   "candidate",
			Value: c.Marshal(),
		})
	}
	if a.local.gatheringDone {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "end-of-candidates"})
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// parseRemoteDescription parses inbound SDP line by line. Line ordering
// is not significant; unknown attributes and non-UDP candidates are
// skipped. ice-ufrag, ice-pwd and at least one candidate are required.
func parseRemoteDescription(raw string) (*iceDescription, error) {
	if len(raw) > maxDescriptionSize {
		return nil, errors.Wrap(ErrInvalidSDP, "description too large")
	}

	desc := &iceDescription{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "a=")
		switch {
		case strings.HasPrefix(line, "ice-ufrag:"):
			desc.ufrag = strings.TrimPrefix(line, "ice-ufrag:")
		case strings.HasPrefix(line, "ice-pwd:"):
			desc.pwd = strings.TrimPrefix(line, "ice-pwd:")
		case strings.HasPrefix(line, "candidate:"):
			c, err := UnmarshalCandidate(line)
			if err != nil {
				if errors.Is(err, ErrUnsupportedTransport) {
					continue
				}
				return nil, err
			}
			if desc.findCandidate(c) == nil {
				desc.candidates = append(desc.candidates, c)
			}
		case line == "end-of-candidates":
			desc.gatheringDone = true
		default:
			// Unknown attributes and session-level lines are ignored.
		}
	}

	if desc.ufrag == "" {
		return nil, errors.Wrap(ErrInvalidSDP, "missing ice-ufrag")
	}
	if desc.pwd == "" {
		return nil, errors.Wrap(ErrInvalidSDP, "missing ice-pwd")
	}
	if len(desc.candidates) == 0 {
		return nil, errors.Wrap(ErrInvalidSDP, "no candidates")
	}
	return desc, nil
}
