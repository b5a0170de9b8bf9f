package ice

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun"
	"github.com/pion/transport/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemotePwd = "remoteremoteremotepwd0"

type mockPacketConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (m *mockPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	m.writes = append(m.writes, buf)
	return len(p), nil
}

func (m *mockPacketConn) Close() error { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
}
func (m *mockPacketConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockPacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockPacketConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockPacketConn) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *mockPacketConn) lastWrite() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return nil
	}
	return m.writes[len(m.writes)-1]
}

// newTestAgent builds an agent around a mock socket without starting the
// worker, so tests drive bookkeeping deterministically.
func newTestAgent(t *testing.T) *Agent {
	t.Helper()

	loggerFactory := logging.NewDefaultLoggerFactory()
	a := &Agent{
		state:             ConnectionStateDisconnected,
		role:              RoleControlling,
		tieBreaker:        globalMathRandomGenerator.Uint64(),
		conn:              &mockPacketConn{},
		done:              make(chan struct{}),
		loopDone:          make(chan struct{}),
		rto:               minStunRetransmissionTimeout,
		keepaliveInterval: defaultKeepaliveInterval,
		failedTimeout:     defaultFailedTimeout,
		maxMessageSize:    defaultMaxMessageSize,
		loggerFactory:     loggerFactory,
		log:               loggerFactory.NewLogger("ice"),
	}
	a.local.ufrag = "abcd"
	a.local.pwd = "locallocallocallocal00"
	// One host candidate matching the mock socket, so remote candidates
	// pair immediately.
	a.local.candidates = []*Candidate{
		newHostCandidate(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}),
	}
	a.stateAtomic.Store(int32(a.state))
	return a
}

func newLoopbackAgent(t *testing.T, config AgentConfig) *Agent {
	t.Helper()
	config.BindAddress = "127.0.0.1"
	a, err := NewAgent(&config)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

// connectAgents gathers on both agents, exchanges descriptions and waits
// for both to complete.
func connectAgents(t *testing.T, a, b *Agent) {
	t.Helper()

	require.NoError(t, a.GatherCandidates())
	require.NoError(t, b.GatherCandidates())

	descA, err := a.GetLocalDescription()
	require.NoError(t, err)
	descB, err := b.GetLocalDescription()
	require.NoError(t, err)

	require.NoError(t, b.SetRemoteDescription(descA))
	require.NoError(t, a.SetRemoteDescription(descB))

	require.Eventually(t, func() bool {
		return a.GetState() == ConnectionStateCompleted &&
			b.GetState() == ConnectionStateCompleted
	}, 5*time.Second, 10*time.Millisecond, "agents did not complete")
}

func TestAgentsConnectLoopback(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	a := newLoopbackAgent(t, AgentConfig{Role: RoleControlling})
	b := newLoopbackAgent(t, AgentConfig{Role: RoleControlled})

	received := make(chan []byte, 1)
	b.OnData(func(data []byte) {
		select {
		case received <- data:
		default:
		}
	})

	connectAgents(t, a, b)

	// Both sides expose the nominated pair; their views are mirrored.
	localA, remoteA, err := a.GetSelectedCandidatePair()
	require.NoError(t, err)
	localB, remoteB, err := b.GetSelectedCandidatePair()
	require.NoError(t, err)
	assert.True(t, localA.Addr.IP.Equal(remoteB.Addr.IP))
	assert.Equal(t, localA.Addr.Port, remoteB.Addr.Port)
	assert.True(t, localB.Addr.IP.Equal(remoteA.Addr.IP))
	assert.Equal(t, localB.Addr.Port, remoteA.Addr.Port)

	require.NoError(t, a.Send([]byte("ping")))
	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("payload never arrived")
	}
}

func TestRoleConflictBothControlling(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	a := newLoopbackAgent(t, AgentConfig{Role: RoleControlling})
	b := newLoopbackAgent(t, AgentConfig{Role: RoleControlling})

	connectAgents(t, a, b)

	a.mu.Lock()
	roleA := a.role
	a.mu.Unlock()
	b.mu.Lock()
	roleB := b.role
	b.mu.Unlock()

	assert.NotEqual(t, roleA, roleB, "exactly one agent must have switched role")
}

func TestPeerReflexiveDiscovery(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	b := newLoopbackAgent(t, AgentConfig{Role: RoleControlled})
	require.NoError(t, b.GatherCandidates())

	// The "peer" talks from a socket B has never been told about: its
	// signaled candidate carries a rewritten port, as a NAT would.
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = peer.Close() }()

	require.NoError(t, b.SetRemoteDescription(
		"a=ice-ufrag:peer\r\n"+
			"a=ice-pwd:"+testRemotePwd+"\r\n"+
			"a=candidate:1 1 udp 2122317823 127.0.0.1 9 typ host\r\n"))

	bUfrag, bPwd := b.GetLocalUserCredentials()
	req, err := stun.Build(stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(bUfrag+":peer"),
		AttrControlling(42),
		PriorityAttr(12345),
		stun.NewShortTermIntegrity(bPwd),
		stun.Fingerprint,
	)
	require.NoError(t, err)

	_, err = peer.WriteTo(req.Raw, b.conn.LocalAddr())
	require.NoError(t, err)

	// B must answer the unknown source with a binding success mirroring
	// the observed address.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1500)
	for {
		n, _, err := peer.ReadFrom(buf)
		require.NoError(t, err, "no binding success received")
		m := &stun.Message{Raw: make([]byte, n)}
		copy(m.Raw, buf[:n])
		if err := m.Decode(); err != nil {
			continue
		}
		if m.Type.Class != stun.ClassSuccessResponse {
			continue
		}
		var mapped stun.XORMappedAddress
		require.NoError(t, mapped.GetFrom(m))
		peerAddr := peer.LocalAddr().(*net.UDPAddr)
		assert.True(t, mapped.IP.Equal(peerAddr.IP))
		assert.Equal(t, peerAddr.Port, mapped.Port)
		break
	}

	b.mu.Lock()
	c := b.findRemoteCandidateByAddr(peer.LocalAddr().(*net.UDPAddr))
	require.NotNil(t, c, "peer-reflexive remote candidate was not synthesized")
	assert.Equal(t, CandidateTypePeerReflexive, c.Type)
	assert.Equal(t, uint32(12345), c.Priority)
	p := b.findPairByRemote(c)
	require.NotNil(t, p)
	assert.NotEqual(t, CandidatePairStateFrozen, p.state)
	b.mu.Unlock()
}

func TestFailedTimeout(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	// A silent peer: bound, drains its socket, never answers.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = silent.Close() }()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := silent.ReadFrom(buf); err != nil {
				return
			}
		}
	}()

	failedTimeout := 700 * time.Millisecond
	a := newLoopbackAgent(t, AgentConfig{
		Role:          RoleControlling,
		FailedTimeout: &failedTimeout,
	})

	var failedCount atomic.Int32
	var connectingAt, failedAt atomic.Value
	a.OnConnectionStateChange(func(s ConnectionState) {
		switch s {
		case ConnectionStateConnecting:
			connectingAt.Store(time.Now())
		case ConnectionStateFailed:
			failedAt.Store(time.Now())
			failedCount.Add(1)
		}
	})

	silentAddr := silent.LocalAddr().(*net.UDPAddr)
	require.NoError(t, a.GatherCandidates())
	require.NoError(t, a.SetRemoteDescription(fmt.Sprintf(
		"a=ice-ufrag:peer\r\na=ice-pwd:%s\r\na=candidate:1 1 udp 2122317823 %s %d typ host\r\n",
		testRemotePwd, silentAddr.IP, silentAddr.Port)))

	require.Eventually(t, func() bool {
		return a.GetState() == ConnectionStateFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Give any duplicate notification a chance to fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), failedCount.Load(), "Failed must be surfaced exactly once")

	start, ok1 := connectingAt.Load().(time.Time)
	end, ok2 := failedAt.Load().(time.Time)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.InDelta(t, failedTimeout.Seconds(), end.Sub(start).Seconds(), 1.0,
		"failure must land on the fail deadline")

	assert.ErrorIs(t, a.Send([]byte("x")), ErrFailed)
}

func TestKeepaliveOnSelectedPair(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	keepalive := 150 * time.Millisecond
	a := newLoopbackAgent(t, AgentConfig{Role: RoleControlling, KeepaliveInterval: &keepalive})
	b := newLoopbackAgent(t, AgentConfig{Role: RoleControlled, KeepaliveInterval: &keepalive})

	connectAgents(t, a, b)

	localBefore, remoteBefore, err := a.GetSelectedCandidatePair()
	require.NoError(t, err)

	var requests atomic.Int32
	a.OnEvent(func(event Event, local, remote string) {
		if event == EventSendRequest {
			requests.Add(1)
		}
	})

	time.Sleep(4 * keepalive)
	assert.GreaterOrEqual(t, requests.Load(), int32(2),
		"the selected pair must be refreshed every keepalive interval")

	localAfter, remoteAfter, err := a.GetSelectedCandidatePair()
	require.NoError(t, err)
	assert.True(t, localBefore.Equal(&localAfter))
	assert.True(t, remoteBefore.Equal(&remoteAfter))
	assert.Equal(t, ConnectionStateCompleted, a.GetState())
}

func TestSendBeforeNomination(t *testing.T) {
	a := newLoopbackAgent(t, AgentConfig{})
	assert.ErrorIs(t, a.Send([]byte("early")), ErrNoCandidatePairs)

	big := make([]byte, defaultMaxMessageSize+1)
	assert.ErrorIs(t, a.Send(big), ErrMessageTooLarge)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := NewAgent(&AgentConfig{BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
	assert.ErrorIs(t, a.GatherCandidates(), ErrClosed)
}
