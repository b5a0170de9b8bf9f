// Package ice implements an Interactive Connectivity Establishment (ICE)
// agent as defined in RFC 8445: candidate gathering over UDP, STUN
// connectivity checks, nomination and keepalive of a single selected
// candidate pair.
package ice

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pkg/errors"
)

const (
	// RFC 8445: Agents MUST NOT use an RTO value smaller than 500 ms.
	minStunRetransmissionTimeout = 500 * time.Millisecond
	maxStunRetransmissionCount   = 5

	// maxStunRetransmissionTimeout is the backoff ceiling after
	// maxStunRetransmissionCount doublings.
	maxStunRetransmissionTimeout = minStunRetransmissionTimeout << maxStunRetransmissionCount

	// RFC 8445: ICE agents SHOULD use a default Ta value, 50 ms, but MAY
	// use another value based on the characteristics of the associated
	// data.
	stunPacingTime = 50 * time.Millisecond

	// RFC 8445: Agents SHOULD use a Tr value of 15 seconds. Agents MAY
	// use a bigger value but MUST NOT use a value smaller than 15 seconds.
	defaultKeepaliveInterval = 15 * time.Second

	// defaultFailedTimeout bounds how long the agent keeps checking after
	// it started connecting without any pair succeeding.
	defaultFailedTimeout = 30 * time.Second

	defaultMaxMessageSize = 8192

	maxCandidates        = 20
	maxStunServerRecords = 2
	maxHostCandidates    = maxCandidates - maxStunServerRecords - 2
	maxCandidatePairs    = maxCandidates * 2
	maxStunEntries       = maxCandidatePairs + maxStunServerRecords

	ufragLength = 4
	pwdLength   = 22

	// base64-url alphabet used for ufrag and pwd generation.
	credentialRunes = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

var globalMathRandomGenerator = randutil.NewMathRandomGenerator()

// Agent represents the ICE agent.
type Agent struct {
	mu sync.Mutex

	onConnectionStateChangeHdlr func(ConnectionState)
	onCandidateHdlr             func(*Candidate)
	onGatheringDoneHdlr         func()
	onDataHdlr                  func([]byte)
	onEventHdlr                 func(Event, string, string)

	state       ConnectionState
	stateAtomic atomic.Int32

	role       Role
	tieBreaker uint64

	local  iceDescription
	remote iceDescription

	pairs   []*candidatePair
	ordered []*candidatePair
	entries []*stunEntry

	// selectedEntry references the nominated check entry; Send loads it
	// without taking the mutex.
	selectedEntry atomic.Pointer[stunEntry]

	lastStunSent time.Time
	failDeadline time.Time

	// interruptSeq detects wakeup pulses racing the worker's deadline
	// update.
	interruptSeq atomic.Uint64

	conn net.PacketConn

	stunServers     []string
	interfaceFilter func(string) bool
	includeLoopback bool

	rto               time.Duration
	keepaliveInterval time.Duration
	failedTimeout     time.Duration
	maxMessageSize    int

	sessionID      uint64
	sessionVersion uint64

	gatheringStarted bool
	closed           bool
	done             chan struct{}
	loopDone         chan struct{}

	// notifies holds queued user callbacks, flushed with the mutex
	// released.
	notifies []func()

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// AgentConfig collects the arguments to ice.Agent construction into
// a single structure, for future-proofness of the interface
type AgentConfig struct {
	// StunServers lists STUN server addresses ("host:port") used for
	// server-reflexive gathering.
	StunServers []string

	// BindAddress is an optional local IP to bind the agent socket to.
	// Leave empty for the wildcard address.
	BindAddress string

	// PortMin and PortMax are optional. Leave them 0 for the default UDP
	// port allocation strategy.
	PortMin uint16
	PortMax uint16

	// Role is an optional role hint. When RoleUnknown, the agent becomes
	// controlling if it gathers before receiving a remote description and
	// controlled otherwise.
	Role Role

	// MaxMessageSize bounds inbound and outbound datagrams. Defaults to
	// 8192, which comfortably covers the 1200 byte STUN requirement.
	MaxMessageSize int

	// IncludeLoopback enables loopback interfaces during host candidate
	// enumeration. Off by default.
	IncludeLoopback bool

	// InterfaceFilter is a function that you can use in order to whitelist
	// or blacklist the interfaces which are used to gather ICE candidates.
	InterfaceFilter func(string) bool

	// RTO overrides the initial retransmission timeout. Values below
	// 500 ms are clamped up per RFC 8445.
	RTO *time.Duration

	// KeepaliveInterval determines how often the selected pair is
	// refreshed with a new transaction. Defaults to 15 seconds.
	KeepaliveInterval *time.Duration

	// FailedTimeout bounds how long connectivity checks may run without
	// any pair succeeding. Defaults to 30 seconds.
	FailedTimeout *time.Duration

	// LocalUfrag and LocalPwd override the generated credentials.
	LocalUfrag string
	LocalPwd   string

	LoggerFactory logging.LoggerFactory
}

// NewAgent creates a new Agent, binds its socket and starts the worker.
func NewAgent(config *AgentConfig) (*Agent, error) {
	if config == nil {
		config = &AgentConfig{}
	}
	if config.PortMax < config.PortMin {
		return nil, ErrPort
	}

	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := loggerFactory.NewLogger("ice")

	ufrag := config.LocalUfrag
	pwd := config.LocalPwd
	var err error
	if ufrag == "" {
		if ufrag, err = randutil.GenerateCryptoRandomString(ufragLength, credentialRunes); err != nil {
			return nil, err
		}
	}
	if pwd == "" {
		if pwd, err = randutil.GenerateCryptoRandomString(pwdLength, credentialRunes); err != nil {
			return nil, err
		}
	}

	var bindIP net.IP
	if config.BindAddress != "" {
		if bindIP = net.ParseIP(config.BindAddress); bindIP == nil {
			return nil, errors.Errorf("invalid bind address %q", config.BindAddress)
		}
	}
	conn, err := listenUDPInPortRange(bindIP, config.PortMin, config.PortMax)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		state:           ConnectionStateDisconnected,
		role:            config.Role,
		tieBreaker:      globalMathRandomGenerator.Uint64(),
		stunServers:     config.StunServers,
		interfaceFilter: config.InterfaceFilter,
		includeLoopback: config.IncludeLoopback,
		sessionID:       globalMathRandomGenerator.Uint64() >> 2,
		conn:            conn,
		done:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		loggerFactory:   loggerFactory,
		log:             log,
	}
	a.local.ufrag = ufrag
	a.local.pwd = pwd
	a.stateAtomic.Store(int32(a.state))
	a.initWithDefaults(config)

	go a.loop()
	return a, nil
}

// a separate init routine called by NewAgent() to keep defaulting in one
// place
func (a *Agent) initWithDefaults(config *AgentConfig) {
	if config.RTO == nil || *config.RTO < minStunRetransmissionTimeout {
		a.rto = minStunRetransmissionTimeout
	} else {
		a.rto = *config.RTO
	}

	if config.KeepaliveInterval == nil {
		a.keepaliveInterval = defaultKeepaliveInterval
	} else {
		a.keepaliveInterval = *config.KeepaliveInterval
	}

	if config.FailedTimeout == nil {
		a.failedTimeout = defaultFailedTimeout
	} else {
		a.failedTimeout = *config.FailedTimeout
	}

	if config.MaxMessageSize == 0 {
		a.maxMessageSize = defaultMaxMessageSize
	} else {
		a.maxMessageSize = config.MaxMessageSize
	}
}

// OnConnectionStateChange sets a handler that is fired when the
// connection state changes.
func (a *Agent) OnConnectionStateChange(f func(ConnectionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnectionStateChangeHdlr = f
}

// OnCandidate sets a handler that is fired for every gathered local
// candidate.
func (a *Agent) OnCandidate(f func(*Candidate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCandidateHdlr = f
}

// OnGatheringDone sets a handler that is fired once every STUN server
// transaction finished.
func (a *Agent) OnGatheringDone(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onGatheringDoneHdlr = f
}

// OnData sets a handler that is fired for inbound application payloads
// on the agent socket.
func (a *Agent) OnData(f func([]byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDataHdlr = f
}

// OnEvent sets a diagnostic handler observing STUN exchanges.
func (a *Agent) OnEvent(f func(event Event, local, remote string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEventHdlr = f
}

// notify queues f to run once the mutex is released. The caller holds
// the mutex.
func (a *Agent) notify(f func()) {
	a.notifies = append(a.notifies, f)
}

// flushNotifies runs queued callbacks. The caller must not hold the
// mutex.
func (a *Agent) flushNotifies() {
	for {
		a.mu.Lock()
		if len(a.notifies) == 0 {
			a.mu.Unlock()
			return
		}
		f := a.notifies[0]
		a.notifies = a.notifies[1:]
		a.mu.Unlock()
		f()
	}
}

// stateRank orders states along the progression DAG.
func stateRank(s ConnectionState) int {
	switch s {
	case ConnectionStateDisconnected:
		return 0
	case ConnectionStateGathering:
		return 1
	case ConnectionStateConnecting:
		return 2
	case ConnectionStateConnected:
		return 3
	case ConnectionStateCompleted:
		return 4
	case ConnectionStateFailed:
		return 5
	default:
		return -1
	}
}

// updateState advances the agent state. Transitions are monotonic along
// Disconnected -> Gathering -> Connecting -> Connected -> Completed;
// Failed is reachable from every non-terminal state. The caller holds
// the mutex.
func (a *Agent) updateState(newState ConnectionState) {
	cur := a.state
	if cur == newState {
		return
	}
	if cur == ConnectionStateFailed || cur == ConnectionStateCompleted {
		return
	}
	if newState != ConnectionStateFailed && stateRank(newState) <= stateRank(cur) {
		return
	}

	a.log.Infof("Setting new connection state: %s", newState)
	a.state = newState
	a.stateAtomic.Store(int32(newState))

	if newState == ConnectionStateConnecting {
		a.failDeadline = time.Now().Add(a.failedTimeout)
	}

	if hdlr := a.onConnectionStateChangeHdlr; hdlr != nil {
		a.notify(func() { hdlr(newState) })
	}
}

// checkConnecting moves to Connecting once a local candidate exists and
// the remote description is known. The caller holds the mutex.
func (a *Agent) checkConnecting() {
	if len(a.local.candidates) > 0 && a.remote.ufrag != "" {
		a.updateState(ConnectionStateConnecting)
	}
}

// addLocalCandidate records a gathered local candidate, announces it and
// pairs it with every known remote candidate. The caller holds the
// mutex.
func (a *Agent) addLocalCandidate(c *Candidate, announce bool) *Candidate {
	if have := a.local.findCandidate(c); have != nil {
		return have
	}
	if len(a.local.candidates) >= maxCandidates {
		a.log.Warnf("local candidate table full, dropping %s", c)
		return nil
	}
	a.local.candidates = append(a.local.candidates, c)
	a.log.Debugf("Add local candidate: %s", c)

	for _, remote := range a.remote.candidates {
		a.addPair(c, remote)
	}

	if announce {
		if hdlr := a.onCandidateHdlr; hdlr != nil {
			a.notify(func() { hdlr(c) })
		}
	}
	a.checkConnecting()
	return c
}

// addRemoteCandidate records a remote candidate and pairs it with every
// local candidate, returning the best pair for it. The caller holds the
// mutex.
func (a *Agent) addRemoteCandidate(c *Candidate) *candidatePair {
	if have := a.remote.findCandidate(c); have != nil {
		// Refresh the priority when a peer-reflexive candidate is later
		// signaled with its real attributes.
		if c.Priority > have.Priority {
			have.Priority = c.Priority
			have.Type = c.Type
			have.Foundation = c.Foundation
			a.updateOrderedPairs()
		}
		return a.findPairByRemote(have)
	}
	if len(a.remote.candidates) >= maxCandidates {
		a.log.Warnf("remote candidate table full, dropping %s", c)
		return nil
	}
	a.remote.candidates = append(a.remote.candidates, c)
	a.log.Debugf("Add remote candidate: %s", c)

	for _, local := range a.local.candidates {
		a.addPair(local, c)
	}
	return a.findPairByRemote(c)
}

// GatherCandidates enumerates host candidates and starts
// server-reflexive discovery against the configured STUN servers.
func (a *Agent) GatherCandidates() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.gatheringStarted {
		a.mu.Unlock()
		return ErrMultipleGatherAttempted
	}
	a.gatheringStarted = true
	if a.role == RoleUnknown {
		a.role = RoleControlling
	}
	a.updateState(ConnectionStateGathering)

	a.gatherHostCandidates()
	a.gatherServerReflexiveCandidates()
	a.updateGatheringDone()
	a.checkConnecting()
	a.mu.Unlock()

	a.flushNotifies()
	a.interrupt()
	return nil
}

// gatherHostCandidates emits one host candidate per usable interface
// address, all sharing the agent socket port. The caller holds the
// mutex.
func (a *Agent) gatherHostCandidates() {
	port := a.conn.LocalAddr().(*net.UDPAddr).Port

	var ips []net.IP
	if bound := a.conn.LocalAddr().(*net.UDPAddr).IP; bound != nil && !bound.IsUnspecified() {
		ips = []net.IP{bound}
	} else {
		var err error
		ips, err = localAddresses(a.interfaceFilter, a.includeLoopback)
		if err != nil {
			a.log.Warnf("failed to iterate local interfaces, host candidates will not be gathered: %v", err)
			return
		}
	}

	for i, ip := range ips {
		if i >= maxHostCandidates {
			break
		}
		a.addLocalCandidate(newHostCandidate(&net.UDPAddr{IP: ip, Port: port}), true)
	}
}

// gatherServerReflexiveCandidates arms one server entry per configured
// STUN server. The caller holds the mutex.
func (a *Agent) gatherServerReflexiveCandidates() {
	for i, server := range a.stunServers {
		if i >= maxStunServerRecords {
			a.log.Warnf("too many STUN servers, ignoring %s", server)
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			a.log.Warnf("failed to resolve STUN server %s: %v", server, err)
			continue
		}
		if e := a.addServerEntry(addr); e != nil {
			e.trigger()
		}
	}
}

// updateGatheringDone marks gathering finished once every server entry
// is. The caller holds the mutex.
func (a *Agent) updateGatheringDone() {
	if !a.gatheringStarted || a.local.gatheringDone {
		return
	}
	for _, e := range a.entries {
		if e.kind == stunEntryServer && !e.finished {
			return
		}
	}
	a.local.gatheringDone = true
	a.log.Debugf("Gathering done, %d local candidates", len(a.local.candidates))
	if hdlr := a.onGatheringDoneHdlr; hdlr != nil {
		a.notify(hdlr)
	}
}

// SetRemoteDescription ingests the peer's SDP: credentials, candidates
// and optionally the end-of-candidates marker.
func (a *Agent) SetRemoteDescription(sdpText string) error {
	desc, err := parseRemoteDescription(sdpText)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.remote.ufrag = desc.ufrag
	a.remote.pwd = desc.pwd
	a.remote.gatheringDone = desc.gatheringDone
	if a.role == RoleUnknown {
		a.role = RoleControlled
	}
	for _, c := range desc.candidates {
		a.addRemoteCandidate(c)
	}
	a.checkConnecting()
	a.mu.Unlock()

	a.flushNotifies()
	a.interrupt()
	return nil
}

// AddRemoteCandidate ingests a single trickled candidate line.
func (a *Agent) AddRemoteCandidate(raw string) error {
	c, err := UnmarshalCandidate(raw)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.addRemoteCandidate(c)
	a.checkConnecting()
	a.mu.Unlock()

	a.flushNotifies()
	a.interrupt()
	return nil
}

// SetRemoteGatheringDone marks the remote candidate list complete.
func (a *Agent) SetRemoteGatheringDone() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.remote.gatheringDone = true
	a.mu.Unlock()
	a.interrupt()
	return nil
}

// GetLocalUserCredentials returns the local user credentials.
func (a *Agent) GetLocalUserCredentials() (frag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local.ufrag, a.local.pwd
}

// GetState returns the current connection state without locking.
func (a *Agent) GetState() ConnectionState {
	return ConnectionState(a.stateAtomic.Load())
}

// GetSelectedCandidatePair returns copies of the nominated pair's local
// and remote candidates, or ErrNoCandidatePairs before nomination.
func (a *Agent) GetSelectedCandidatePair() (local, remote Candidate, err error) {
	e := a.selectedEntry.Load()
	if e == nil {
		return Candidate{}, Candidate{}, ErrNoCandidatePairs
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p := e.pair
	if p.local != nil {
		local = *p.local
	}
	remote = *p.remote
	return local, remote, nil
}

// Send transmits an application payload over the selected pair. It is
// lock-free against the worker: the destination is read through the
// selected-entry pointer.
func (a *Agent) Send(data []byte) error {
	if len(data) > a.maxMessageSize {
		return ErrMessageTooLarge
	}
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	if a.GetState() == ConnectionStateFailed {
		return ErrFailed
	}

	e := a.selectedEntry.Load()
	if e == nil {
		return ErrNoCandidatePairs
	}
	if _, err := a.conn.WriteTo(data, e.record); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

// interrupt wakes the worker out of its blocking read so it can pick up
// mutations and recompute its deadline.
func (a *Agent) interrupt() {
	a.interruptSeq.Add(1)
	_ = a.conn.SetReadDeadline(time.Unix(0, 1))
}

// Close stops the worker, closes the socket and abandons in-flight
// transactions.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	a.interrupt()
	_ = a.conn.Close()
	<-a.loopDone

	a.selectedEntry.Store(nil)
	return nil
}
