package ice

import (
	"net"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCheckRequestAttributes(t *testing.T) {
	a := newTestAgent(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote.ufrag = "wxyz"
	a.remote.pwd = testRemotePwd

	p := addTestPair(t, a, 20000, 100)
	e := a.findEntryByPair(p)
	require.NotNil(t, e)

	m, err := a.buildCheckRequest(e)
	require.NoError(t, err)

	assert.True(t, m.Contains(stun.AttrICEControlling))
	assert.False(t, m.Contains(stun.AttrUseCandidate))
	assert.True(t, m.Contains(stun.AttrPriority))
	assert.True(t, m.Contains(stun.AttrMessageIntegrity))
	assert.True(t, m.Contains(stun.AttrFingerprint))
	assert.Equal(t, e.transactionID, m.TransactionID)

	var username stun.Username
	require.NoError(t, username.GetFrom(m))
	assert.Equal(t, "wxyz:"+a.local.ufrag, string(username))

	p.useCandidate = true
	m, err = a.buildCheckRequest(e)
	require.NoError(t, err)
	assert.True(t, m.Contains(stun.AttrUseCandidate))

	a.role = RoleControlled
	m, err = a.buildCheckRequest(e)
	require.NoError(t, err)
	assert.True(t, m.Contains(stun.AttrICEControlled))
	assert.False(t, m.Contains(stun.AttrICEControlling))
	assert.False(t, m.Contains(stun.AttrUseCandidate))
}

func buildTestRequest(t *testing.T, a *Agent, setters ...stun.Setter) *stun.Message {
	t.Helper()
	base := []stun.Setter{
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername(a.local.ufrag + ":peer"),
		PriorityAttr(12345),
	}
	base = append(base, setters...)
	base = append(base,
		stun.NewShortTermIntegrity(a.local.pwd),
		stun.Fingerprint,
	)
	m, err := stun.Build(base...)
	require.NoError(t, err)
	return m
}

func lastWrittenMessage(t *testing.T, conn *mockPacketConn) *stun.Message {
	t.Helper()
	raw := conn.lastWrite()
	require.NotNil(t, raw)
	m := &stun.Message{Raw: raw}
	require.NoError(t, m.Decode())
	return m
}

func TestRoleConflictLowerTieBreakerGets487(t *testing.T) {
	a := newTestAgent(t)
	conn := a.conn.(*mockPacketConn)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = RoleControlling
	a.tieBreaker = 1000

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3333}
	req := buildTestRequest(t, a, AttrControlling(500))
	a.handleBindingRequest(req, src)

	rsp := lastWrittenMessage(t, conn)
	assert.Equal(t, stun.ClassErrorResponse, rsp.Type.Class)
	var code stun.ErrorCodeAttribute
	require.NoError(t, code.GetFrom(rsp))
	assert.Equal(t, stun.CodeRoleConflict, code.Code)
	assert.Equal(t, RoleControlling, a.role, "the higher tiebreaker keeps its role")
}

func TestRoleConflictHigherTieBreakerSwitches(t *testing.T) {
	a := newTestAgent(t)
	conn := a.conn.(*mockPacketConn)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = RoleControlling
	a.tieBreaker = 1000

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3333}
	req := buildTestRequest(t, a, AttrControlling(5000))
	a.handleBindingRequest(req, src)

	assert.Equal(t, RoleControlled, a.role, "the lower tiebreaker switches role")
	rsp := lastWrittenMessage(t, conn)
	assert.Equal(t, stun.ClassSuccessResponse, rsp.Type.Class)

	// The unknown source became a peer-reflexive remote candidate with
	// the signaled priority.
	c := a.findRemoteCandidateByAddr(src)
	require.NotNil(t, c)
	assert.Equal(t, CandidateTypePeerReflexive, c.Type)
	assert.Equal(t, uint32(12345), c.Priority)
	require.NotNil(t, a.findPairByRemote(c))
}

func TestRequestIntegrityMismatchDroppedSilently(t *testing.T) {
	a := newTestAgent(t)
	conn := a.conn.(*mockPacketConn)

	a.mu.Lock()
	defer a.mu.Unlock()

	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3333}
	req, err := stun.Build(
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername(a.local.ufrag+":peer"),
		PriorityAttr(1),
		stun.NewShortTermIntegrity("the-wrong-password-entirely"),
		stun.Fingerprint,
	)
	require.NoError(t, err)
	a.handleBindingRequest(req, src)

	assert.Equal(t, 0, conn.writeCount(), "bad integrity must not be answered")
	assert.Nil(t, a.findRemoteCandidateByAddr(src))
}

func TestSuccessResponseUnknownTransactionDropped(t *testing.T) {
	a := newTestAgent(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote.ufrag = "wxyz"
	a.remote.pwd = testRemotePwd
	p := addTestPair(t, a, 20000, 100)

	rsp, err := stun.Build(stun.BindingSuccess, stun.TransactionID,
		stun.NewShortTermIntegrity(testRemotePwd), stun.Fingerprint)
	require.NoError(t, err)

	a.handleBindingSuccess(rsp, p.remote.Addr)
	assert.NotEqual(t, CandidatePairStateSucceeded, p.state,
		"a response matching no transaction must be dropped")
}

func TestSuccessResponseSourceMismatchDropped(t *testing.T) {
	a := newTestAgent(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote.ufrag = "wxyz"
	a.remote.pwd = testRemotePwd
	p := addTestPair(t, a, 20000, 100)
	e := a.findEntryByPair(p)

	rsp, err := stun.Build(stun.BindingSuccess,
		stun.NewTransactionIDSetter(e.transactionID),
		stun.NewShortTermIntegrity(testRemotePwd), stun.Fingerprint)
	require.NoError(t, err)

	a.handleBindingSuccess(rsp, &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 1}) // not e.record
	assert.NotEqual(t, CandidatePairStateSucceeded, p.state)
}

func TestBindingIndicationConsumedSilently(t *testing.T) {
	a := newTestAgent(t)
	conn := a.conn.(*mockPacketConn)

	a.mu.Lock()
	defer a.mu.Unlock()

	ind, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassIndication), stun.TransactionID)
	require.NoError(t, err)
	a.dispatchStun(ind, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3333})
	assert.Equal(t, 0, conn.writeCount())
}

func TestErrorResponse487SwitchesRoleAndRetries(t *testing.T) {
	a := newTestAgent(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = RoleControlling
	a.remote.ufrag = "wxyz"
	a.remote.pwd = testRemotePwd
	p := addTestPair(t, a, 20000, 100)
	e := a.findEntryByPair(p)
	oldID := e.transactionID

	rsp, err := stun.Build(
		stun.BindingError,
		stun.NewTransactionIDSetter(e.transactionID),
		stun.CodeRoleConflict,
		stun.NewShortTermIntegrity(testRemotePwd),
		stun.Fingerprint,
	)
	require.NoError(t, err)

	a.handleBindingError(rsp, p.remote.Addr)

	assert.Equal(t, RoleControlled, a.role)
	assert.False(t, e.finished)
	assert.NotEqual(t, oldID, e.transactionID, "retry must use a fresh transaction")
	assert.True(t, e.armed.Load(), "retry must be armed for immediate transmission")
}
