// configuration and introspection documents. shapes are plain maps so the
// embedder can merge and marshal them with encoding/json.
package server

import (
	"github.com/kfcemployee/httpcore/server/protocol"
)

// Configure applies a decoded JSON document. unknown keys are ignored so
// documents aimed at the surrounding layers can be passed through whole.
func (s *HTTPServer) Configure(doc map[string]any) {
	if v, ok := uintValue(doc, "request_freelist_limit"); ok {
		s.requestFreelistLimit = v
	}
	if v, ok := uintValue(doc, "client_freelist_limit"); ok {
		s.clientFreelistLimit = v
	}
	if v, ok := uintValue(doc, "accept_burst_count"); ok && v > 0 {
		s.acceptBurstCount = v
	}
}

// json numbers arrive as float64; direct ints are tolerated for callers
// that build the document in code
func uintValue(doc map[string]any, key string) (int, bool) {
	switch v := doc[key].(type) {
	case float64:
		if v >= 0 {
			return int(v), true
		}
	case int:
		if v >= 0 {
			return v, true
		}
	}
	return 0, false
}

func (s *HTTPServer) ConfigAsJSON() map[string]any {
	return map[string]any{
		"request_freelist_limit": s.requestFreelistLimit,
		"client_freelist_limit":  s.clientFreelistLimit,
		"accept_burst_count":     s.acceptBurstCount,
	}
}

func (s *HTTPServer) InspectStateAsJSON() map[string]any {
	return map[string]any{
		"free_request_count":      len(s.freeRequests),
		"total_requests_accepted": s.totalRequestsAccepted,
		"active_client_count":     len(s.activeClients),
	}
}

func (s *HTTPServer) InspectClientStateAsJSON(c *Client) map[string]any {
	doc := map[string]any{
		"number":              c.number,
		"connected":           c.state == connActive,
		"ended_request_count": len(c.endedRequests),
	}
	if c.currentRequest != nil {
		doc["current_request"] = s.InspectRequestStateAsJSON(c.currentRequest)
	}
	return doc
}

func (s *HTTPServer) InspectRequestStateAsJSON(req *Request) map[string]any {
	if req.httpState == StateInFreelist {
		panic("server: inspecting a freelist entry")
	}
	doc := map[string]any{
		"refcount":   req.refcount.Load(),
		"http_state": req.httpState.String(),
	}
	if !req.Begun() {
		return doc
	}

	doc["http_major"] = req.HTTPMajor
	doc["http_minor"] = req.HTTPMinor
	doc["want_keep_alive"] = req.WantKeepAlive
	doc["request_body_type"] = req.BodyType.String()
	doc["request_body_fully_read"] = req.BodyFullyRead()
	doc["request_body_already_read"] = req.bodyAlreadyRead
	doc["response_begun"] = req.responseBegun
	doc["method"] = req.Method.String()

	if req.ParseError != protocol.ErrNone {
		doc["parse_error"] = req.ParseError.Desc()
	} else if req.BodyType == protocol.BodyContentLength {
		doc["content_length"] = req.ContentLength
	} else if req.BodyType == protocol.BodyChunked {
		doc["end_chunk_reached"] = req.EndChunkReached
	}

	doc["path"] = string(req.Path)
	if host := req.Headers.Lookup("host"); host != nil {
		doc["host"] = string(host)
	}
	return doc
}
