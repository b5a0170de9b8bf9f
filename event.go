package ice

// Event identifies a STUN exchange observed by the agent, exposed for
// diagnostics through OnEvent.
type Event int

// Event
const (
	EventReceiveRequest Event = iota
	EventReceiveSuccessResponse
	EventReceiveErrorResponse

	EventSendRequest
	EventSendSuccessResponse
	EventSendErrorResponse

	EventSetSelectedPair
)

func (e Event) String() string {
	switch e {
	case EventReceiveRequest:
		return "receive request"
	case EventReceiveSuccessResponse:
		return "receive success response"
	case EventReceiveErrorResponse:
		return "receive error response"
	case EventSendRequest:
		return "send request"
	case EventSendSuccessResponse:
		return "send success response"
	case EventSendErrorResponse:
		return "send error response"
	case EventSetSelectedPair:
		return "set selected pair"
	default:
		return "Invalid"
	}
}

// callback queues the event handler invocation; handlers run with the
// agent mutex released.
func (a *Agent) callback(event Event, local, remote string) {
	hdlr := a.onEventHdlr
	if hdlr == nil {
		return
	}
	a.notify(func() {
		hdlr(event, local, remote)
	})
}
