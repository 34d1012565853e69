// Package provider defines the contract between upstream model adapters and
// the stream that relays their output to a client.
//
// An adapter owns the upstream connection for exactly one request. It pushes
// content events into a Sink and always finishes the stream with exactly one
// terminal event, including when the client disconnects.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

// MaxChunksAfterDisconnect bounds the upstream chunks an adapter may still
// read after the request context is cancelled. Cancellation is checked once
// per loop iteration, so a read already in flight completes, and its content
// is dropped rather than emitted.
const MaxChunksAfterDisconnect = 1

// Sink receives the events of a single completion stream.
type Sink interface {
	// Emit delivers a content event. A non-nil error means the consumer is
	// gone and the adapter must stop reading.
	Emit(ctx context.Context, ev domain.StreamEvent) error

	// Finish delivers the terminal event. Adapters call it exactly once.
	Finish(ev domain.StreamEvent)
}

// Adapter streams a completion from one upstream provider.
type Adapter interface {
	ID() string
	Stream(ctx context.Context, req domain.ChatCompletionRequest, sink Sink)
}

// Disconnected is the terminal event used when the client went away. It is
// never an error.
func Disconnected() domain.StreamEvent {
	return domain.StreamEnd{}
}

// RequestFailed is the terminal event for a request that could not be built
// or sent, before any upstream bytes were read.
func RequestFailed(name string, err error) domain.StreamError {
	return domain.StreamError{
		Code:    http.StatusBadGateway,
		Message: fmt.Sprintf("%s: %v", name, err),
		Err:     fmt.Errorf("%w: %v", domain.ErrUpstreamProtocol, err),
	}
}
