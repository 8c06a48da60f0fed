// connection-level server layer: listening, accepting, client lifecycle
// and recycling. the HTTP request machinery lives in http.go.
package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/httpcore/server/engine"
	"github.com/kfcemployee/httpcore/server/memory"
)

const (
	listenBacklog = 128

	DefaultClientFreelistLimit  = 1024
	DefaultRequestFreelistLimit = 1024
	DefaultAcceptBurstCount     = 32
)

// HTTPServer drives HTTP/1.x connections on a single event loop.
type HTTPServer struct {
	ctx   *engine.Context
	hooks Hooks

	listenFd int
	listenH  *engine.FdHandle

	nextClientNumber uint64
	activeClients    map[uint64]*Client
	freeClients      []*Client

	clientFreelistLimit int
	acceptBurstCount    int

	// request machinery state (http.go)
	freeRequests          []*Request
	requestFreelistLimit  int
	totalRequestsAccepted uint64
	headerParserStates    headerParserSlab
}

func New(ctx *engine.Context, hooks Hooks) *HTTPServer {
	return &HTTPServer{
		ctx:                  ctx,
		hooks:                hooks,
		listenFd:             -1,
		activeClients:        make(map[uint64]*Client),
		clientFreelistLimit:  DefaultClientFreelistLimit,
		acceptBurstCount:     DefaultAcceptBurstCount,
		requestFreelistLimit: DefaultRequestFreelistLimit,
	}
}

func (s *HTTPServer) Context() *engine.Context {
	return s.ctx
}

// Listen binds addr ("127.0.0.1:8080") and starts accepting on the loop.
func (s *HTTPServer) Listen(addr string) error {
	tcp, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.SockaddrInet4
	sa.Port = tcp.Port
	copy(sa.Addr[:], tcp.IP.To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return err
	}

	h, err := s.ctx.Reactor.Register(fd, s.acceptReady, nil)
	if err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFd = fd
	s.listenH = h
	h.SetReading(true)
	return nil
}

// ListenPort reports the bound port, for tests listening on port 0.
func (s *HTTPServer) ListenPort() (int, error) {
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("server: unexpected socket family")
	}
	return in4.Port, nil
}

func (s *HTTPServer) acceptReady() {
	for i := 0; i < s.acceptBurstCount; i++ {
		fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		s.Accept(fd)
	}
}

// Accept adopts an already-connected non-blocking socket as a new client.
func (s *HTTPServer) Accept(fd int) *Client {
	unix.SetNonblock(fd, true)

	c := s.checkoutClientObject()
	c.fd = fd
	s.nextClientNumber++
	c.number = s.nextClientNumber
	c.state = connActive
	c.refcount.Store(1)

	h, err := s.ctx.Reactor.Register(fd, c.input.OnReadable, c.output.OnWritable)
	if err != nil {
		unix.Close(fd)
		c.state = connDisconnected
		s.recycleClientObject(c)
		return nil
	}
	c.h = h
	c.input.Reinitialize(fd, h)
	c.output.Reinitialize(fd, h)
	s.activeClients[c.number] = c

	s.onClientAccepted(c)
	return c
}

func (s *HTTPServer) checkoutClientObject() *Client {
	if n := len(s.freeClients); n > 0 {
		c := s.freeClients[n-1]
		s.freeClients[n-1] = nil
		s.freeClients = s.freeClients[:n-1]
		return c
	}
	return s.newClientObject()
}

func (s *HTTPServer) newClientObject() *Client {
	c := &Client{srv: s, fd: -1}
	c.input.Init(s.ctx)
	c.input.DataCallback = func(buf memory.Mbuf, errcode int) engine.Result {
		return s.onClientDataReceived(c, buf, errcode)
	}
	c.output.Init(s.ctx)
	c.output.DataFlushedCallback = func(*engine.Channel) {
		s.onClientOutputDataFlushed(c)
	}
	c.output.ErrorCallback = func(errcode int) {
		s.Disconnect(c)
	}
	return c
}

// Disconnect tears the connection down. a live current request is
// deinitialized; requests still holding references keep the client object
// alive until they drop.
func (s *HTTPServer) Disconnect(c *Client) {
	if c.state != connActive {
		return
	}
	c.state = connDisconnected
	delete(s.activeClients, c.number)
	c.input.Stop()

	s.onClientDisconnecting(c)

	s.unrefClient(c)
}

func (s *HTTPServer) refClient(c *Client) {
	c.refcount.Add(1)
}

func (s *HTTPServer) unrefClient(c *Client) {
	n := c.refcount.Add(-1)
	if n < 0 {
		panic("server: client refcount below zero")
	}
	if n == 0 {
		s.ctx.Reactor.RunLater(func() {
			s.clientReachedZeroRefcount(c)
		})
	}
}

func (s *HTTPServer) clientReachedZeroRefcount(c *Client) {
	if c.state != connDisconnected {
		panic("server: destroying a connected client")
	}
	if c.currentRequest != nil || len(c.endedRequests) != 0 {
		panic("server: destroying a client with live requests")
	}

	c.input.Deinitialize()
	c.output.Deinitialize()
	if c.h != nil {
		c.h.Unregister()
		c.h = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	s.recycleClientObject(c)
}

func (s *HTTPServer) recycleClientObject(c *Client) {
	c.number = 0
	c.endedRequests = c.endedRequests[:0]
	if len(s.freeClients) < s.clientFreelistLimit {
		s.freeClients = append(s.freeClients, c)
	}
}

// ActiveClientCount is the number of connected clients.
func (s *HTTPServer) ActiveClientCount() int {
	return len(s.activeClients)
}

// Shutdown stops accepting and disconnects every client. runs on the loop.
func (s *HTTPServer) Shutdown() {
	if s.listenH != nil {
		s.listenH.Unregister()
		s.listenH = nil
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	for _, c := range s.activeClients {
		s.Disconnect(c)
	}
}
