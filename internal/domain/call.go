package domain

// CallState is the authoritative state of a direct call.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRequesting CallState = "requesting"
	CallIncoming   CallState = "incoming"
	CallConnecting CallState = "connecting"
	CallInCall     CallState = "in_call"
	CallError      CallState = "error"
)

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// CallStatus is the finer-grained signaling status of a live call.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusCalling    CallStatus = "calling"
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
)

type HangupReason string

const (
	ReasonHangup           HangupReason = "hangup"
	ReasonNoAnswerTimeout  HangupReason = "no_answer_timeout"
	ReasonRemoteHangup     HangupReason = "remote_hangup"
	ReasonBusy             HangupReason = "busy"
	ReasonConnectionFailed HangupReason = "connection_failed"
	ReasonRejected         HangupReason = "rejected"
	ReasonSuperseded       HangupReason = "superseded"
	ReasonLeft             HangupReason = "left"
)
