package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	. "github.com/roelfdiedericks/revibe/internal/logging"
)

// sseDoneMarker is the terminator frame OpenAI-compatible streams end
// with. Streams that never send it (Antigravity) end at end of body.
const sseDoneMarker = "[DONE]"

// sseFrame is one decoded "data:" field from an SSE stream.
type sseFrame struct {
	Data string
	Done bool
}

// sseReader splits a response body into SSE "data:" frames. Lines that
// don't start with "data:" (comments, other fields) are ignored, except
// that a bare line with no colon is tried as standalone JSON since some
// gateways emit bare error envelopes outside the field grammar.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseReader{scanner: sc}
}

// next returns the next frame, or ok=false at end of stream (including on
// scanner error, retrievable via err()).
func (r *sseReader) next() (frame sseFrame, ok bool) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if data, found := strings.CutPrefix(line, "data:"); found {
			data = strings.TrimPrefix(data, " ")
			if data == sseDoneMarker {
				return sseFrame{Done: true}, true
			}
			return sseFrame{Data: data}, true
		}
		if !strings.Contains(line, ":") && json.Valid([]byte(line)) {
			return sseFrame{Data: line}, true
		}
		// other SSE fields (event:, id:, retry:, comments) carry no
		// payload this package cares about.
	}
	return sseFrame{}, false
}

func (r *sseReader) err() error {
	return r.scanner.Err()
}

// decodeFrame best-effort decodes a frame's JSON payload into dst.
// Malformed frames are dropped with a debug log rather than failing the
// whole stream: providers occasionally emit keep-alive noise.
func decodeFrame(provider string, data string, dst any) bool {
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		L_debug("dropping malformed SSE frame", "provider", provider, "err", err)
		return false
	}
	return true
}

// frameError is the shape of an inline error envelope a provider may emit
// mid-stream instead of (or in addition to) an HTTP error status.
type frameError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// checkFrameError inspects a raw frame for an embedded error envelope and
// returns a BackendError if one is present.
func checkFrameError(provider, endpoint, model, data string) *BackendError {
	var fe frameError
	if err := json.Unmarshal([]byte(data), &fe); err != nil || fe.Error == nil {
		return nil
	}
	kind := KindServer
	if fe.Error.Type == "invalid_request_error" {
		kind = KindBadRequest
	}
	return &BackendError{
		Kind:        kind,
		Provider:    provider,
		Endpoint:    endpoint,
		Model:       model,
		BodyExcerpt: excerpt([]byte(data)),
		Cause:       fmt.Errorf("%s", fe.Error.Message),
	}
}

// guardContentType enforces the content-type guard: if the response isn't
// an event stream, the caller should read the full body and surface it as
// a PayloadError (or the embedded API error message if it parses as
// JSON).
func guardContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// bodyToError reads a non-streaming error body and builds a BackendError,
// preferring an embedded JSON error message over the raw bytes.
func bodyToError(provider, endpoint, model string, status int, body []byte) *BackendError {
	var fe frameError
	if json.Unmarshal(body, &fe) == nil && fe.Error != nil {
		be := NewHTTPError(provider, endpoint, model, status, []byte(fe.Error.Message), nil)
		return be
	}
	return NewHTTPError(provider, endpoint, model, status, body, nil)
}
