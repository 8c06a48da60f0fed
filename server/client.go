package server

import (
	"sync/atomic"

	"github.com/kfcemployee/httpcore/server/engine"
)

type connState uint8

const (
	connActive connState = iota
	connDisconnected
)

// Client is one accepted connection. destroyed once it is disconnected
// AND every request it spawned has dropped to zero references.
type Client struct {
	srv    *HTTPServer
	fd     int
	number uint64
	state  connState

	refcount atomic.Int32

	// one epoll registration per connection; input owns the read
	// interest, output the write interest
	h      *engine.FdHandle
	input  engine.FdInputChannel
	output engine.FileBufferedFdOutputChannel

	currentRequest *Request

	// body semantics concluded, refcount not yet zero
	endedRequests []*Request
}

func (c *Client) Server() *HTTPServer {
	return c.srv
}

func (c *Client) Fd() int {
	return c.fd
}

// Number is the monotonic connection number assigned at accept.
func (c *Client) Number() uint64 {
	return c.number
}

func (c *Client) Connected() bool {
	return c.state == connActive
}

func (c *Client) CurrentRequest() *Request {
	return c.currentRequest
}

func (c *Client) EndedRequestCount() int {
	return len(c.endedRequests)
}

func (c *Client) removeEndedRequest(req *Request) bool {
	for i, r := range c.endedRequests {
		if r == req {
			last := len(c.endedRequests) - 1
			c.endedRequests[i] = c.endedRequests[last]
			c.endedRequests[last] = nil
			c.endedRequests = c.endedRequests[:last]
			return true
		}
	}
	return false
}
