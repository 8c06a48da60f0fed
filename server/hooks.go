package server

import (
	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
)

// Hooks is the embedding surface for an application handler. every method
// runs on the loop thread.
type Hooks interface {
	// one-time wiring when a request object is first allocated (objects
	// are recycled through the freelist, so this is NOT per request)
	OnRequestObjectCreated(c *Client, req *Request)

	// the handler's entry point, once the request head is complete
	OnRequestBegin(c *Client, req *Request)

	// one call per body chunk, then the EOF sentinel (zero length,
	// errcode 0) or an error (zero length, errcode != 0)
	OnRequestBody(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result

	// whether a Connection: upgrade request is honored
	SupportsUpgrade(c *Client, req *Request) bool

	// per-request reset/teardown extension points.
	// DeinitializeRequest must be idempotent.
	ReinitializeRequest(c *Client, req *Request)
	DeinitializeRequest(c *Client, req *Request)
}

// BaseHooks is the neutral implementation; embed it and override what the
// application needs.
type BaseHooks struct{}

func (BaseHooks) OnRequestObjectCreated(c *Client, req *Request) {}

func (BaseHooks) OnRequestBegin(c *Client, req *Request) {}

func (BaseHooks) OnRequestBody(c *Client, req *Request, buf memory.Mbuf, errcode int) engine.Result {
	if errcode != 0 || buf.Len() == 0 {
		c.srv.Disconnect(c)
	}
	return engine.Result{Consumed: buf.Len()}
}

func (BaseHooks) SupportsUpgrade(c *Client, req *Request) bool {
	return false
}

func (BaseHooks) ReinitializeRequest(c *Client, req *Request) {}

func (BaseHooks) DeinitializeRequest(c *Client, req *Request) {}
