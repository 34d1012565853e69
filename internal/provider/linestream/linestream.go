// Package linestream relays chunked-HTTP line protocols (SSE "data:" lines or
// newline-delimited JSON) into a provider.Sink.
package linestream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
)

const (
	maxLineSize  = 1 << 20
	maxErrorBody = 4 << 10
)

// Decoder extracts the incremental text from one payload. done reports that
// the provider signalled completion inside the payload itself.
type Decoder func(payload []byte) (text string, done bool, err error)

// Fault is returned by a Decoder when the upstream reported an error in-band.
// Unlike a payload that fails to parse, a Fault ends the stream.
type Fault struct {
	Message string
}

func (f *Fault) Error() string {
	return "upstream reported: " + f.Message
}

type Options struct {
	// Provider labels logs and metrics.
	Provider string

	// Prefix marks lines that carry a payload, e.g. "data:". Empty means
	// every non-blank line is a payload.
	Prefix string

	// Sentinel is the payload literal that ends the stream, e.g. "[DONE]".
	Sentinel string
}

// Relay sends httpReq with client and forwards decoded text to sink. It
// always finishes sink exactly once.
func Relay(ctx context.Context, client *http.Client, httpReq *http.Request, opts Options, decode Decoder, sink provider.Sink) {
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(opts.Provider)
			sink.Finish(provider.Disconnected())
			return
		}
		metrics.RecordProviderError(opts.Provider, "transport")
		sink.Finish(domain.StreamError{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("%s: connect: %v", opts.Provider, err),
			Err:     fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err),
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordProviderError(opts.Provider, "status")
		sink.Finish(domain.StreamError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s error: status=%d body=%s", opts.Provider, resp.StatusCode, string(body)),
			Err:     fmt.Errorf("%w: status %d", domain.ErrUpstreamProtocol, resp.StatusCode),
		})
		return
	}

	Scan(ctx, resp.Body, opts, decode, sink)
}

// Scan reads lines from body until the sentinel, a done payload, EOF or
// cancellation, and finishes sink exactly once.
func Scan(ctx context.Context, body io.Reader, opts Options, decode Decoder, sink provider.Sink) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(opts.Provider)
			sink.Finish(provider.Disconnected())
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		payload := line
		if opts.Prefix != "" {
			if !strings.HasPrefix(line, opts.Prefix) {
				continue
			}
			payload = strings.TrimSpace(strings.TrimPrefix(line, opts.Prefix))
		}

		if opts.Sentinel != "" && payload == opts.Sentinel {
			break
		}

		text, done, err := decode([]byte(payload))
		if err != nil {
			var fault *Fault
			if errors.As(err, &fault) {
				metrics.RecordProviderError(opts.Provider, "in_band")
				sink.Finish(domain.StreamError{
					Code:    http.StatusBadGateway,
					Message: fmt.Sprintf("%s: %s", opts.Provider, fault.Message),
					Err:     fmt.Errorf("%w: %s", domain.ErrUpstreamProtocol, fault.Message),
				})
				return
			}
			slog.Warn("skipping malformed upstream line",
				"provider", opts.Provider,
				"error", err,
			)
			metrics.RecordMalformedLine(opts.Provider)
			continue
		}

		if text != "" {
			if err := sink.Emit(ctx, domain.TokenDelta{Text: text}); err != nil {
				metrics.RecordClientDisconnect(opts.Provider)
				sink.Finish(provider.Disconnected())
				return
			}
		}

		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(opts.Provider)
			sink.Finish(provider.Disconnected())
			return
		}
		metrics.RecordProviderError(opts.Provider, "transport")
		sink.Finish(domain.StreamError{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("%s: read stream: %v", opts.Provider, err),
			Err:     fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err),
		})
		return
	}

	sink.Finish(domain.StreamEnd{})
}
