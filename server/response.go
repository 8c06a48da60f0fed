// response emission and request ending
package server

import (
	"strconv"
	"time"

	"github.com/kfcemployee/httpcore/server/memory"
	"github.com/kfcemployee/httpcore/server/protocol"
)

const defaultInternalServerErrorResponse = "<html><body><h1>Internal Server Error</h1></body></html>"

const dateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// WriteResponse enqueues raw response bytes. data is copied into the
// request's pool, which outlives the output flush.
func (s *HTTPServer) WriteResponse(c *Client, data []byte) {
	req := c.currentRequest
	req.responseBegun = true
	if len(data) == 0 {
		// a zero-length feed would read as the output EOF
		return
	}
	c.output.Feed(memory.Wrap(req.pool.Copy(data)))
}

func (s *HTTPServer) writeResponsePooled(c *Client, data []byte) {
	c.currentRequest.responseBegun = true
	if len(data) == 0 {
		return
	}
	c.output.Feed(memory.Wrap(data))
}

// WriteSimpleResponse emits a full response: status line, a Status header
// duplicating it, canonical Content-Type / Date / Connection /
// Content-Length defaults, then the caller's remaining headers verbatim.
// a HEAD request gets the headers but not the body.
func (s *HTTPServer) WriteSimpleResponse(c *Client, code int, headers *protocol.HeaderTable, body []byte) {
	req := c.currentRequest

	status := protocol.StatusCodeAndReasonPhrase(code)
	if status == "" {
		status = strconv.Itoa(code) + " Unknown Reason-Phrase"
	}

	size := 300 + 2*len(status)
	if headers != nil {
		for _, h := range headers.Entries() {
			size += len(h.Key) + len(h.Val) + 4
		}
	}
	w := req.pool.Alloc(size)[:0]

	w = append(w, "HTTP/"...)
	w = strconv.AppendUint(w, uint64(req.HTTPMajor), 10)
	w = append(w, '.')
	w = strconv.AppendUint(w, uint64(req.HTTPMinor), 10)
	w = append(w, ' ')
	w = append(w, status...)
	w = append(w, "\r\nStatus: "...)
	w = append(w, status...)
	w = append(w, "\r\n"...)

	var value []byte
	if headers != nil {
		value = headers.Lookup("content-type")
	}
	if value == nil {
		w = append(w, "Content-Type: text/html; charset=UTF-8\r\n"...)
	} else {
		w = append(w, "Content-Type: "...)
		w = append(w, value...)
		w = append(w, "\r\n"...)
	}

	value = nil
	if headers != nil {
		value = headers.Lookup("date")
	}
	w = append(w, "Date: "...)
	if value == nil {
		w = time.Now().UTC().AppendFormat(w, dateLayout)
	} else {
		w = append(w, value...)
	}
	w = append(w, "\r\n"...)

	value = nil
	if headers != nil {
		value = headers.Lookup("connection")
	}
	if value == nil {
		if req.CanKeepAlive() {
			w = append(w, "Connection: keep-alive\r\n"...)
		} else {
			w = append(w, "Connection: close\r\n"...)
		}
	} else {
		w = append(w, "Connection: "...)
		w = append(w, value...)
		w = append(w, "\r\n"...)
		if string(value) != "Keep-Alive" && string(value) != "keep-alive" {
			req.WantKeepAlive = false
		}
	}

	value = nil
	if headers != nil {
		value = headers.Lookup("content-length")
	}
	w = append(w, "Content-Length: "...)
	if value == nil {
		w = strconv.AppendInt(w, int64(len(body)), 10)
	} else {
		w = append(w, value...)
	}
	w = append(w, "\r\n"...)

	if headers != nil {
		for _, h := range headers.Entries() {
			if canonicalResponseHeader(h.Key) {
				continue
			}
			w = append(w, h.Key...)
			w = append(w, ": "...)
			w = append(w, h.Val...)
			w = append(w, "\r\n"...)
		}
	}
	w = append(w, "\r\n"...)

	s.writeResponsePooled(c, w)
	if !req.Ended() && req.Method != protocol.MethodHead {
		s.WriteResponse(c, body)
	}
}

// the four names WriteSimpleResponse already emitted itself
func canonicalResponseHeader(key []byte) bool {
	return protocol.KeyEquals(key, "content-type") ||
		protocol.KeyEquals(key, "date") ||
		protocol.KeyEquals(key, "connection") ||
		protocol.KeyEquals(key, "content-length")
}

func (s *HTTPServer) writeDefault500Response(c *Client, req *Request) {
	s.WriteSimpleResponse(c, 500, nil, []byte(defaultInternalServerErrorResponse))
}

// EndRequest concludes the current request. if the response has not fully
// left the output channel yet, advancement to the next request is deferred
// until the flush completes. a handler that never wrote anything gets the
// canned 500 emitted on its behalf.
func (s *HTTPServer) EndRequest(c *Client, req *Request) bool {
	if req.Ended() {
		return false
	}
	if c.currentRequest != req {
		panic("server: ending a request that is not current")
	}

	if !req.responseBegun {
		s.writeDefault500Response(c, req)
	}

	// response buffers live in the pool; keep it alive until the output
	// is flushed
	pool := req.pool
	req.pool = nil
	s.deinitializeRequestAndAddToFreelist(c, req)
	req.pool = pool

	if !c.output.Ended() {
		c.output.Feed(memory.Empty())
	}
	if c.output.EndAcked() {
		s.doneWithCurrentRequest(c)
	} else {
		req.httpState = StateFlushingOutput
	}
	return true
}

// EndWithErrorResponse emits a canned error response and ends the request.
// the connection is always closed afterwards.
func (s *HTTPServer) EndWithErrorResponse(c *Client, req *Request, code int, body string) {
	var headers protocol.HeaderTable
	headers.InsertString(req.pool, "connection", "close")
	headers.InsertString(req.pool, "cache-control", "no-cache, no-store, must-revalidate")
	s.WriteSimpleResponse(c, code, &headers, []byte(body))
	s.EndRequest(c, req)
}

func (s *HTTPServer) EndAsBadRequest(c *Client, req *Request, body string) {
	s.EndWithErrorResponse(c, req, 400, body)
}
