package linestream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeText(payload []byte) (string, bool, error) {
	var v struct {
		Text  string `json:"text"`
		Done  bool   `json:"done"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", false, err
	}
	if v.Error != "" {
		return "", false, &Fault{Message: v.Error}
	}
	return v.Text, v.Done, nil
}

var sseOpts = Options{Provider: "test", Prefix: "data:", Sentinel: "[DONE]"}

func TestScan_ForwardsTextAndEnds(t *testing.T) {
	body := strings.Join([]string{
		`event: ping`,
		``,
		`data: {"text":"He"}`,
		``,
		`data: {"text":"llo"}`,
		`data: [DONE]`,
		`data: {"text":"ignored"}`,
	}, "\n")

	rec := providertest.NewRecorder()
	Scan(context.Background(), strings.NewReader(body), sseOpts, decodeText, rec)

	assert.Equal(t, []string{"He", "llo"}, rec.Tokens())
	assert.Equal(t, 1, rec.TerminalCount())
	assert.Equal(t, domain.StreamEnd{}, rec.Last())
}

func TestScan_SkipsMalformedLines(t *testing.T) {
	body := "data: {\"text\":\"a\"}\ndata: {not json\ndata: {\"text\":\"b\"}\n"

	rec := providertest.NewRecorder()
	Scan(context.Background(), strings.NewReader(body), sseOpts, decodeText, rec)

	assert.Equal(t, []string{"a", "b"}, rec.Tokens())
	assert.Equal(t, domain.StreamEnd{}, rec.Last())
}

func TestScan_EmptyTextNotForwarded(t *testing.T) {
	body := "data: {\"text\":\"\"}\ndata: {\"text\":\"x\"}\n"

	rec := providertest.NewRecorder()
	Scan(context.Background(), strings.NewReader(body), sseOpts, decodeText, rec)

	assert.Equal(t, []string{"x"}, rec.Tokens())
	assert.Len(t, rec.Events(), 2)
}

func TestScan_DonePayloadStops(t *testing.T) {
	body := "{\"text\":\"a\"}\n{\"text\":\"b\",\"done\":true}\n{\"text\":\"c\"}\n"

	rec := providertest.NewRecorder()
	Scan(context.Background(), strings.NewReader(body), Options{Provider: "ndjson"}, decodeText, rec)

	assert.Equal(t, []string{"a", "b"}, rec.Tokens())
	assert.Equal(t, domain.StreamEnd{}, rec.Last())
}

func TestScan_InBandFaultTerminatesWithError(t *testing.T) {
	body := "data: {\"text\":\"a\"}\ndata: {\"error\":\"overloaded\"}\ndata: {\"text\":\"b\"}\n"

	rec := providertest.NewRecorder()
	Scan(context.Background(), strings.NewReader(body), sseOpts, decodeText, rec)

	assert.Equal(t, []string{"a"}, rec.Tokens())
	assert.Equal(t, 1, rec.TerminalCount())
	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamProtocol)
}

type failingReader struct {
	data io.Reader
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestScan_TransportFaultTerminatesWithError(t *testing.T) {
	body := &failingReader{data: strings.NewReader("data: {\"text\":\"a\"}\n")}

	rec := providertest.NewRecorder()
	Scan(context.Background(), body, sseOpts, decodeText, rec)

	assert.Equal(t, []string{"a"}, rec.Tokens())
	assert.Equal(t, 1, rec.TerminalCount())
	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamTransport)
}

func TestScan_DisconnectHaltsContent(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, `data: {"text":"t"}`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := providertest.NewRecorder()
	rec.OnEmit = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	Scan(ctx, strings.NewReader(strings.Join(lines, "\n")), sseOpts, decodeText, rec)

	assert.Len(t, rec.Tokens(), 2)
	assert.Equal(t, 1, rec.TerminalCount())
	assert.Equal(t, domain.StreamEnd{}, rec.Last(), "disconnect must not surface as an error")
}

func TestRelay_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, http.NoBody)
	require.NoError(t, err)

	rec := providertest.NewRecorder()
	Relay(context.Background(), srv.Client(), req, sseOpts, decodeText, rec)

	require.Len(t, rec.Events(), 1)
	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, streamErr.Code)
	assert.Contains(t, streamErr.Message, "slow down")
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamProtocol)
}

func TestRelay_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	req, err := http.NewRequest(http.MethodPost, url, http.NoBody)
	require.NoError(t, err)

	rec := providertest.NewRecorder()
	Relay(context.Background(), http.DefaultClient, req, sseOpts, decodeText, rec)

	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamTransport)
	assert.Equal(t, 1, rec.TerminalCount())
}
