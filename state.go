package micromail

// State is a step of the session state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateTLSHandshake
	StateAuthenticating
	StateEnvelopeFrom
	StateEnvelopeTo
	StateDataHeader
	StateDataBody
	StateClosing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "Idle",
	StateConnecting:     "Connecting",
	StateConnected:      "Connected",
	StateTLSHandshake:   "TLSHandshake",
	StateAuthenticating: "Authenticating",
	StateEnvelopeFrom:   "EnvelopeFrom",
	StateEnvelopeTo:     "EnvelopeTo",
	StateDataHeader:     "DataHeader",
	StateDataBody:       "DataBody",
	StateClosing:        "Closing",
	StateDone:           "Done",
	StateFailed:         "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether a send has finished in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
