package ice

import "errors"

var (
	// ErrClosed indicates an operation was attempted on a closed agent.
	ErrClosed = errors.New("the agent is closed")

	// ErrFailed indicates the agent reached the terminal failed state.
	ErrFailed = errors.New("the agent has failed")

	// ErrInvalidSDP indicates a malformed session description or
	// candidate line.
	ErrInvalidSDP = errors.New("invalid SDP")

	// ErrNoUsableInterfaces indicates no local interface address could
	// be used for host candidates.
	ErrNoUsableInterfaces = errors.New("no usable local interfaces")

	// ErrNoCandidatePairs indicates no candidate pair has been
	// nominated yet.
	ErrNoCandidatePairs = errors.New("no candidate pairs available")

	// ErrMultipleGatherAttempted indicates GatherCandidates was called
	// more than once.
	ErrMultipleGatherAttempted = errors.New("attempted to gather candidates during gathering state")

	// ErrMessageTooLarge indicates an outbound payload exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrWouldBlock indicates a transient socket condition; the caller
	// may retry.
	ErrWouldBlock = errors.New("operation would block")

	// ErrPort indicates an invalid port range configuration.
	ErrPort = errors.New("invalid port range: portMax must not be smaller than portMin")

	// ErrUnsupportedTransport indicates a candidate with a transport
	// other than UDP.
	ErrUnsupportedTransport = errors.New("unsupported candidate transport")
)
