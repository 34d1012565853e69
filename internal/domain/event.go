package domain

// StreamEvent is one item of a completion stream. The set of implementations
// is closed: TokenDelta, ReasoningBlock, StreamError and StreamEnd.
type StreamEvent interface {
	isStreamEvent()
}

type TokenDelta struct {
	Text string
}

type ReasoningBlock struct {
	Text string
}

// StreamError terminates a stream abnormally. Code carries the upstream HTTP
// status when one is known.
type StreamError struct {
	Code    int
	Message string
	Err     error
}

type StreamEnd struct{}

func (TokenDelta) isStreamEvent()     {}
func (ReasoningBlock) isStreamEvent() {}
func (StreamError) isStreamEvent()    {}
func (StreamEnd) isStreamEvent()      {}

func (e StreamError) Error() string {
	return e.Message
}

func (e StreamError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether ev closes a stream.
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case StreamEnd, StreamError:
		return true
	default:
		return false
	}
}
