package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// statePlaceholder is the token a downstream adapter may embed in its
// response body asking for a fresh state snapshot to be spliced in
// (spec.md §4.8 last paragraph).
const statePlaceholder = "__STATE_SNAPSHOT__"

// sniffWindow is how many bytes of the downstream body are inspected
// before committing to either pass-through or buffered rewrite (spec.md
// §9 redesign flag: "streaming sniff... switches to buffered-rewrite only
// on detecting the placeholder in the first N bytes").
const sniffWindow = 4096

// StateFunc produces the current state snapshot for the request's bound
// scope, to be JSON-string-escaped and spliced in place of the placeholder.
type StateFunc func(ctx context.Context) (any, error)

// spliceResponseWriter wraps http.ResponseWriter, sniffing the first
// sniffWindow bytes of the body for statePlaceholder. If absent, every
// buffered byte (and everything after) is forwarded untouched as it
// arrives — no buffering cost beyond the sniff window itself. If present,
// the entire body is buffered, the placeholder is replaced with an
// escaped state snapshot, and Content-Length is recomputed before the
// response is flushed on Close.
type spliceResponseWriter struct {
	w    http.ResponseWriter
	next StateFunc
	ctx  context.Context
	log  *zap.Logger

	sniffed    bool
	placeholderFound bool
	buf        bytes.Buffer
	statusCode int
	passedThru bool
}

func newSpliceResponseWriter(w http.ResponseWriter, next StateFunc, ctx context.Context, log *zap.Logger) *spliceResponseWriter {
	return &spliceResponseWriter{w: w, next: next, ctx: ctx, log: log, statusCode: http.StatusOK}
}

func (s *spliceResponseWriter) Header() http.Header { return s.w.Header() }

func (s *spliceResponseWriter) WriteHeader(code int) {
	s.statusCode = code
}

func (s *spliceResponseWriter) Write(p []byte) (int, error) {
	if s.passedThru {
		return s.w.Write(p)
	}

	if !s.sniffed {
		s.buf.Write(p)
		if s.buf.Len() < sniffWindow {
			return len(p), nil
		}
		s.sniffed = true
		if !bytes.Contains(s.buf.Bytes(), []byte(statePlaceholder)) {
			return s.flushPassThrough()
		}
		s.placeholderFound = true
		return len(p), nil
	}

	if s.placeholderFound {
		s.buf.Write(p)
		return len(p), nil
	}

	return s.w.Write(p)
}

// flushPassThrough forwards the sniffed buffer verbatim and switches to
// direct passthrough for everything the handler writes afterward.
func (s *spliceResponseWriter) flushPassThrough() (int, error) {
	s.w.WriteHeader(s.statusCode)
	n, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	s.passedThru = true
	return n, err
}

// Close finalizes the response: if no placeholder was ever seen, any
// remaining un-flushed bytes (body shorter than sniffWindow) are forwarded
// as-is. If one was found, the snapshot is spliced in and Content-Length
// is recomputed.
func (s *spliceResponseWriter) Close() {
	if s.passedThru {
		return
	}
	if !s.sniffed {
		// The body ended before sniffWindow bytes accumulated; whatever is
		// buffered is the whole body, so the placeholder check runs now
		// instead of waiting for a window that will never fill.
		s.sniffed = true
		s.placeholderFound = bytes.Contains(s.buf.Bytes(), []byte(statePlaceholder))
	}
	if !s.placeholderFound {
		s.w.WriteHeader(s.statusCode)
		if s.buf.Len() > 0 {
			if _, err := s.w.Write(s.buf.Bytes()); err != nil {
				s.log.Warn("api: splice passthrough write failed", zap.Error(err))
			}
		}
		return
	}

	snapshot, err := s.next(s.ctx)
	if err != nil {
		s.log.Error("api: state snapshot fetch failed during splice", zap.Error(err))
		s.w.WriteHeader(http.StatusInternalServerError)
		_, _ = s.w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"state snapshot unavailable"}}`))
		return
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Error("api: state snapshot encode failed during splice", zap.Error(err))
		s.w.WriteHeader(http.StatusInternalServerError)
		_, _ = s.w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"state snapshot unavailable"}}`))
		return
	}
	escaped, err := json.Marshal(string(encoded))
	if err != nil {
		s.log.Error("api: state snapshot escape failed during splice", zap.Error(err))
		return
	}
	// escaped is itself a JSON string literal (quoted, escaped); strip the
	// surrounding quotes so it splices as raw escaped text.
	escapedInner := escaped[1 : len(escaped)-1]

	spliced := bytes.ReplaceAll(s.buf.Bytes(), []byte(statePlaceholder), escapedInner)
	s.w.Header().Set("Content-Length", strconv.Itoa(len(spliced)))
	s.w.WriteHeader(s.statusCode)
	if _, err := s.w.Write(spliced); err != nil {
		s.log.Warn("api: splice final write failed", zap.Error(err))
	}
}
