package server

import (
	"sync/atomic"

	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
	"github.com/kfcemployee/httpcore/server/protocol"
)

type HttpState uint8

const (
	StateInFreelist HttpState = iota
	StateParsingHeaders
	StateParsingBody
	StateParsingChunkedBody
	StateUpgraded
	StateComplete
	StateFlushingOutput
	StateWaitingForReferences
	StateError
)

var httpStateNames = [...]string{
	StateInFreelist:           "IN_FREELIST",
	StateParsingHeaders:       "PARSING_HEADERS",
	StateParsingBody:          "PARSING_BODY",
	StateParsingChunkedBody:   "PARSING_CHUNKED_BODY",
	StateUpgraded:             "UPGRADED",
	StateComplete:             "COMPLETE",
	StateFlushingOutput:       "FLUSHING_OUTPUT",
	StateWaitingForReferences: "WAITING_FOR_REFERENCES",
	StateError:                "ERROR",
}

func (s HttpState) String() string {
	if int(s) < len(httpStateNames) {
		return httpStateNames[s]
	}
	return "UNKNOWN"
}

// Request is the per-request state. owned by the loop thread except for
// the refcount, which any goroutine may drop.
type Request struct {
	protocol.RequestInfo

	httpState       HttpState
	responseBegun   bool
	bodyAlreadyRead uint64

	// delivers body bytes to the handler with spill-to-disk backpressure
	bodyChannel engine.FileBufferedChannel

	// exactly one of these is live, tagged by httpState
	headerParser  *protocol.HeaderParserState
	chunkedParser protocol.ChunkedParserState

	pool     *memory.Pool
	refcount atomic.Int32
	client   *Client

	// prebuilt callback so backpressure rearms allocate nothing
	bodyBuffersFlushed func(*engine.Channel)
}

func (r *Request) HttpState() HttpState {
	return r.httpState
}

func (r *Request) Client() *Client {
	return r.client
}

func (r *Request) Pool() *memory.Pool {
	return r.pool
}

func (r *Request) ResponseBegun() bool {
	return r.responseBegun
}

func (r *Request) BodyAlreadyRead() uint64 {
	return r.bodyAlreadyRead
}

// Ended reports that the request's body semantics have concluded and it is
// only waiting for output flush or reference drops.
func (r *Request) Ended() bool {
	return r.httpState == StateWaitingForReferences ||
		r.httpState == StateFlushingOutput ||
		r.httpState == StateInFreelist
}

// Begun reports that the request head was fully received.
func (r *Request) Begun() bool {
	return r.httpState != StateInFreelist && r.httpState != StateParsingHeaders
}

func (r *Request) BodyFullyRead() bool {
	switch r.BodyType {
	case protocol.BodyNone:
		return true
	case protocol.BodyContentLength:
		return r.bodyAlreadyRead >= r.ContentLength
	case protocol.BodyChunked:
		return r.EndChunkReached
	default:
		return false
	}
}

func (r *Request) CanKeepAlive() bool {
	return r.WantKeepAlive && r.BodyFullyRead()
}

// RequestRef pins a request across asynchronous work. Close is idempotent.
type RequestRef struct {
	srv *HTTPServer
	req *Request
}

func (s *HTTPServer) NewRequestRef(req *Request) *RequestRef {
	s.RefRequest(req)
	return &RequestRef{srv: s, req: req}
}

func (ref *RequestRef) Request() *Request {
	return ref.req
}

func (ref *RequestRef) Close() {
	if ref.req != nil {
		req := ref.req
		ref.req = nil
		ref.srv.UnrefRequest(req)
	}
}
