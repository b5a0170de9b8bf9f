package ice

import (
	"encoding/binary"

	"github.com/pion/stun"
)

// bin is shorthand for BigEndian.
var bin = binary.BigEndian

const (
	tieBreakerSize = 8 // 64 bit
	prioritySize   = 4 // 32 bit
)

// AttrControlling represents the ICE-CONTROLLING attribute carrying the
// agent tiebreaker.
type AttrControlling uint64

// AddTo adds ICE-CONTROLLING to the message.
func (c AttrControlling) AddTo(m *stun.Message) error {
	v := make([]byte, tieBreakerSize)
	bin.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlling, v)
	return nil
}

// GetFrom decodes ICE-CONTROLLING from the message.
func (c *AttrControlling) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlling)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrICEControlling, len(v), tieBreakerSize); err != nil {
		return err
	}
	*c = AttrControlling(bin.Uint64(v))
	return nil
}

// AttrControlled represents the ICE-CONTROLLED attribute carrying the
// agent tiebreaker.
type AttrControlled uint64

// AddTo adds ICE-CONTROLLED to the message.
func (c AttrControlled) AddTo(m *stun.Message) error {
	v := make([]byte, tieBreakerSize)
	bin.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlled, v)
	return nil
}

// GetFrom decodes ICE-CONTROLLED from the message.
func (c *AttrControlled) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlled)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrICEControlled, len(v), tieBreakerSize); err != nil {
		return err
	}
	*c = AttrControlled(bin.Uint64(v))
	return nil
}

// PriorityAttr represents the PRIORITY attribute of a connectivity check.
type PriorityAttr uint32

// AddTo adds PRIORITY to the message.
func (p PriorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, prioritySize)
	bin.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)
	return nil
}

// GetFrom decodes PRIORITY from the message.
func (p *PriorityAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrPriority)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrPriority, len(v), prioritySize); err != nil {
		return err
	}
	*p = PriorityAttr(bin.Uint32(v))
	return nil
}

// UseCandidateAttr represents the USE-CANDIDATE attribute set by the
// controlling agent to nominate a pair.
type UseCandidateAttr struct{}

// AddTo adds USE-CANDIDATE to the message.
func (UseCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

// UseCandidate is shorthand for UseCandidateAttr.
var UseCandidate UseCandidateAttr
