// per-request state machine: checkout/recycle through the freelist,
// parser dispatch by http state, refcounted destruction on the loop.
package server

import (
	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
	"github.com/kfcemployee/httpcore/server/protocol"
)

type headerParserSlab = memory.Slab[protocol.HeaderParserState]

/* ----- request object creation and destruction ----- */

func (s *HTTPServer) checkoutRequestObject(c *Client) *Request {
	if n := len(s.freeRequests); n > 0 {
		req := s.freeRequests[n-1]
		s.freeRequests[n-1] = nil
		s.freeRequests = s.freeRequests[:n-1]
		if req.httpState != StateInFreelist {
			panic("server: freelist entry not IN_FREELIST")
		}
		return req
	}
	return s.createNewRequestObject(c)
}

func (s *HTTPServer) createNewRequestObject(c *Client) *Request {
	req := &Request{}
	req.refcount.Store(1)
	req.bodyChannel.Init(s.ctx)
	req.bodyChannel.DataCallback = func(buf memory.Mbuf, errcode int) engine.Result {
		return s.onRequestBodyChannelData(req, buf, errcode)
	}
	req.bodyBuffersFlushed = func(*engine.Channel) {
		s.onRequestBodyChannelBuffersFlushed(req)
	}
	s.hooks.OnRequestObjectCreated(c, req)
	return req
}

func (s *HTTPServer) requestReachedZeroRefcount(req *Request) {
	c := req.client
	if req.httpState != StateWaitingForReferences {
		panic("server: zero refcount outside WAITING_FOR_REFERENCES")
	}
	if c == nil || c.currentRequest == req {
		panic("server: zero refcount on the current request")
	}
	if !c.removeEndedRequest(req) {
		panic("server: request missing from ended list")
	}
	req.client = nil

	if len(s.freeRequests) < s.requestFreelistLimit {
		req.refcount.Store(1)
		req.httpState = StateInFreelist
		s.freeRequests = append(s.freeRequests, req)
	}
	// else: dropped; the GC reclaims it

	s.unrefClient(c)
}

// RefRequest takes a reference. safe from any goroutine.
func (s *HTTPServer) RefRequest(req *Request) {
	req.refcount.Add(1)
}

// UnrefRequest drops a reference. safe from any goroutine; the transition
// to zero always runs the destruction path on the loop thread.
func (s *HTTPServer) UnrefRequest(req *Request) {
	n := req.refcount.Add(-1)
	if n < 0 {
		panic("server: request refcount below zero")
	}
	if n == 0 {
		s.ctx.Reactor.RunLater(func() {
			s.requestReachedZeroRefcount(req)
		})
	}
}

/* ----- request deinitialization, preparation for the next request ----- */

func (s *HTTPServer) deinitializeRequestAndAddToFreelist(c *Client, req *Request) {
	switch req.httpState {
	case StateWaitingForReferences:
		// already ended and listed
	case StateFlushingOutput:
		// already deinitialized and on the ended list; the flush is
		// being aborted, so the response buffers' pool dies here
		req.httpState = StateWaitingForReferences
		if req.pool != nil {
			req.pool.Destroy()
			req.pool = nil
		}
	default:
		req.httpState = StateWaitingForReferences
		s.deinitializeRequest(c, req)
		c.endedRequests = append(c.endedRequests, req)
	}
}

// idempotent; a second call leaves the request in the same final state.
func (s *HTTPServer) deinitializeRequest(c *Client, req *Request) {
	if req.headerParser != nil {
		s.headerParserStates.Destroy(req.headerParser)
		req.headerParser = nil
	}
	req.Path = nil
	req.Headers.Clear()
	req.SecureHeaders.Clear()
	if req.pool != nil {
		req.pool.Destroy()
		req.pool = nil
	}
	req.httpState = StateWaitingForReferences
	req.bodyChannel.BuffersFlushedCallback = nil
	req.bodyChannel.Deinitialize()
	s.hooks.DeinitializeRequest(c, req)
}

func (s *HTTPServer) doneWithCurrentRequest(c *Client) {
	req := c.currentRequest
	if req == nil {
		panic("server: no current request to finish")
	}
	if req.httpState != StateWaitingForReferences && req.httpState != StateFlushingOutput {
		panic("server: finishing a request in state " + req.httpState.String())
	}
	keepAlive := req.CanKeepAlive()

	c.currentRequest = nil
	req.httpState = StateWaitingForReferences
	if req.pool != nil {
		req.pool.Destroy()
		req.pool = nil
	}
	s.UnrefRequest(req)

	if keepAlive && c.state == connActive {
		s.handleNextRequest(c)
	} else {
		s.Disconnect(c)
	}
}

func (s *HTTPServer) handleNextRequest(c *Client) {
	s.refClient(c)
	c.output.Deinitialize()
	c.output.Reinitialize(c.fd, c.h)

	req := s.checkoutRequestObject(c)
	c.currentRequest = req
	req.client = c
	s.reinitializeRequest(c, req)
	c.input.Start()
}

func (s *HTTPServer) reinitializeRequest(c *Client, req *Request) {
	req.RequestInfo.Reset()
	req.httpState = StateParsingHeaders
	req.responseBegun = false
	req.bodyAlreadyRead = 0
	req.pool = memory.NewPool(memory.DefaultPoolSize)
	req.headerParser = s.headerParserStates.Construct()
	s.headerParser(req).Initialize()
	req.bodyChannel.Reinitialize()
	s.hooks.ReinitializeRequest(c, req)
}

func (s *HTTPServer) headerParser(req *Request) protocol.HeaderParser {
	return protocol.HeaderParser{
		State: req.headerParser,
		Req:   &req.RequestInfo,
		Pool:  req.pool,
	}
}

func (s *HTTPServer) chunkedBodyParser(req *Request) protocol.ChunkedBodyParser {
	return protocol.ChunkedBodyParser{
		State:  &req.chunkedParser,
		Req:    &req.RequestInfo,
		Output: &req.bodyChannel,
	}
}

/* ----- client lifecycle hooks (wired from server.go) ----- */

func (s *HTTPServer) onClientAccepted(c *Client) {
	s.handleNextRequest(c)
}

func (s *HTTPServer) onClientDisconnecting(c *Client) {
	// disconnect without EndRequest: tear the current request down here
	if req := c.currentRequest; req != nil {
		s.deinitializeRequestAndAddToFreelist(c, req)
		c.currentRequest = nil
		s.UnrefRequest(req)
	}
}

/* ----- client data handling ----- */

func (s *HTTPServer) onClientDataReceived(c *Client, buf memory.Mbuf, errcode int) engine.Result {
	req := c.currentRequest
	if req == nil {
		panic("server: client data with no current request")
	}
	ref := s.NewRequestRef(req)
	defer ref.Close()

	switch req.httpState {
	case StateParsingHeaders:
		return s.processClientDataWhenParsingHeaders(c, req, buf, errcode)
	case StateParsingBody:
		return s.processClientDataWhenParsingBody(c, req, buf, errcode)
	case StateParsingChunkedBody:
		return s.processClientDataWhenParsingChunkedBody(c, req, buf, errcode)
	case StateUpgraded:
		return s.processClientDataWhenUpgraded(c, req, buf, errcode)
	default:
		panic("server: client data in state " + req.httpState.String())
	}
}

func (s *HTTPServer) processClientDataWhenParsingHeaders(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result {
	if buf.Len() == 0 {
		// EOF or error before the head completed
		s.Disconnect(c)
		return engine.Result{End: true}
	}

	consumed := s.headerParser(req).Feed(buf.Bytes())
	if req.Outcome == protocol.OutcomeIncomplete {
		return engine.Result{Consumed: buf.Len()}
	}

	// done parsing, one way or the other
	s.headerParserStates.Destroy(req.headerParser)
	req.headerParser = nil

	switch req.Outcome {
	case protocol.OutcomeComplete:
		req.httpState = StateComplete
		c.input.Stop()
		s.requestBegun(c, req)
		return engine.Result{Consumed: consumed}
	case protocol.OutcomeBody:
		req.httpState = StateParsingBody
		s.requestBegun(c, req)
		// a Content-Length: 0 body is complete on arrival
		s.requestBodyConsumed(c, req)
		return engine.Result{Consumed: consumed}
	case protocol.OutcomeChunkedBody:
		req.httpState = StateParsingChunkedBody
		s.chunkedBodyParser(req).Initialize()
		s.requestBegun(c, req)
		return engine.Result{Consumed: consumed}
	case protocol.OutcomeUpgraded:
		if s.hooks.SupportsUpgrade(c, req) {
			req.httpState = StateUpgraded
			s.requestBegun(c, req)
			return engine.Result{Consumed: consumed}
		}
		s.EndAsBadRequest(c, req,
			"Bad request (connection upgrading not allowed for this request)")
		return engine.Result{End: true}
	case protocol.OutcomeError:
		// flip to COMPLETE so the canned response body gets written
		req.httpState = StateComplete
		if req.ParseError == protocol.ErrVersionNotSupported {
			s.EndWithErrorResponse(c, req, 505, "HTTP version not supported\n")
		} else {
			s.EndAsBadRequest(c, req, req.ParseError.Desc())
		}
		return engine.Result{End: true}
	default:
		panic("server: unexpected parser outcome")
	}
}

func (s *HTTPServer) requestBegun(c *Client, req *Request) {
	s.totalRequestsAccepted++
	s.hooks.OnRequestBegin(c, req)
}

func (s *HTTPServer) processClientDataWhenParsingBody(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result {
	if buf.Len() > 0 {
		maxRemaining := req.ContentLength - req.bodyAlreadyRead
		remaining := uint64(buf.Len())
		if remaining > maxRemaining {
			remaining = maxRemaining
		}
		if remaining == 0 {
			// bytes past the declared body; leave them queued
			return engine.Result{}
		}
		req.bodyAlreadyRead += remaining
		req.bodyChannel.Feed(buf.Slice(0, int(remaining)))
		if !req.Ended() {
			if !req.bodyChannel.PassedThreshold() {
				s.requestBodyConsumed(c, req)
			} else {
				c.input.Stop()
				req.bodyChannel.BuffersFlushedCallback = req.bodyBuffersFlushed
			}
		}
		return engine.Result{Consumed: int(remaining)}
	}
	if errcode == 0 {
		if req.BodyFullyRead() {
			s.feedBodyEof(req)
		} else {
			req.bodyChannel.FeedError(engine.UnexpectedEof)
		}
		return engine.Result{}
	}
	req.bodyChannel.FeedError(errcode)
	return engine.Result{}
}

func (s *HTTPServer) processClientDataWhenParsingChunkedBody(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result {
	if buf.Len() > 0 {
		req.bodyAlreadyRead += uint64(buf.Len())
		r := s.chunkedBodyParser(req).Feed(buf)
		// the handler may have ended the request (and started the next
		// one) from inside the body EOF delivery; only meddle with the
		// input if this request still owns it
		if req.httpState == StateParsingChunkedBody && req.EndChunkReached {
			c.input.Stop()
		} else if req.httpState == StateParsingChunkedBody && req.bodyChannel.PassedThreshold() {
			c.input.Stop()
			req.bodyChannel.BuffersFlushedCallback = req.bodyBuffersFlushed
		}
		return r
	}
	if errcode == 0 {
		s.chunkedBodyParser(req).FeedUnexpectedEof()
	} else {
		s.chunkedBodyParser(req).FeedErrorCode(errcode)
	}
	return engine.Result{End: true}
}

func (s *HTTPServer) processClientDataWhenUpgraded(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result {
	if buf.Len() > 0 {
		req.bodyAlreadyRead += uint64(buf.Len())
		req.bodyChannel.Feed(buf.Slice(0, buf.Len()))
		if !req.Ended() {
			if !req.bodyChannel.PassedThreshold() {
				s.requestBodyConsumed(c, req)
			} else {
				c.input.Stop()
				req.bodyChannel.BuffersFlushedCallback = req.bodyBuffersFlushed
			}
		}
		return engine.Result{Consumed: buf.Len()}
	}
	if errcode == 0 {
		s.feedBodyEof(req)
	} else {
		req.bodyChannel.FeedError(errcode)
	}
	return engine.Result{}
}

func (s *HTTPServer) requestBodyConsumed(c *Client, req *Request) {
	if req.BodyFullyRead() {
		c.input.Stop()
		s.feedBodyEof(req)
	}
}

func (s *HTTPServer) feedBodyEof(req *Request) {
	if !req.bodyChannel.Ended() {
		req.bodyChannel.Feed(memory.Empty())
	}
}

/* ----- channel callbacks ----- */

func (s *HTTPServer) onClientOutputDataFlushed(c *Client) {
	if c.currentRequest != nil && c.currentRequest.httpState == StateFlushingOutput {
		s.doneWithCurrentRequest(c)
	}
}

func (s *HTTPServer) onRequestBodyChannelData(req *Request, buf memory.Mbuf, errcode int) engine.Result {
	return s.hooks.OnRequestBody(req.client, req, buf, errcode)
}

func (s *HTTPServer) onRequestBodyChannelBuffersFlushed(req *Request) {
	c := req.client
	req.bodyChannel.BuffersFlushedCallback = nil
	c.input.Start()
	s.requestBodyConsumed(c, req)
}

/* ----- counters ----- */

// FreeRequestCount is the number of cached request objects.
func (s *HTTPServer) FreeRequestCount() int {
	return len(s.freeRequests)
}

// TotalRequestsAccepted counts request heads handed to the handler.
func (s *HTTPServer) TotalRequestsAccepted() uint64 {
	return s.totalRequestsAccepted
}
