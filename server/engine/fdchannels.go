// socket-facing channel ends. input and output share one epoll
// registration per connection: input owns the read interest, output the
// write interest.
package engine

import (
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/httpcore/server/memory"
)

// FdInputChannel sources bytes from a non-blocking socket and feeds them
// to its consumer. Start/Stop toggle the readability watch.
type FdInputChannel struct {
	Channel

	fd      int
	h       *FdHandle
	started bool
	sawEof  bool
}

func (c *FdInputChannel) Reinitialize(fd int, h *FdHandle) {
	c.fd = fd
	c.h = h
	c.sawEof = false
	c.Channel.Reinitialize()
}

func (c *FdInputChannel) Start() {
	c.started = true
	if !c.sawEof {
		c.h.SetReading(true)
	}
	c.Channel.Start()
}

func (c *FdInputChannel) Stop() {
	c.started = false
	c.h.SetReading(false)
	c.Channel.Stop()
}

// OnReadable is the loop's readability callback for the connection.
func (c *FdInputChannel) OnReadable() {
	if !c.started || c.Channel.fedEnd {
		return
	}
	buf := memory.NewBlock(memory.BlockSize)
	n, err := unix.Read(c.fd, buf.Bytes())
	switch {
	case n > 0:
		view := buf.Slice(0, n)
		buf.Release()
		c.Feed(view)
	case n == 0 && err == nil:
		buf.Release()
		c.sawEof = true
		c.h.SetReading(false)
		c.Feed(memory.Empty())
	default:
		buf.Release()
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.sawEof = true
		c.h.SetReading(false)
		if errno, ok := err.(unix.Errno); ok {
			c.FeedError(int(errno))
		} else {
			c.FeedError(UnexpectedEof)
		}
	}
}

func (c *FdInputChannel) Deinitialize() {
	c.started = false
	c.h = nil
	c.fd = -1
	c.Channel.Deinitialize()
}

// FileBufferedFdOutputChannel writes fed bytes to a non-blocking socket,
// spilling to disk when the socket cannot keep up. feeding the empty mbuf
// flushes everything and then fires DataFlushedCallback.
type FileBufferedFdOutputChannel struct {
	FileBufferedChannel

	fd      int
	h       *FdHandle
	written int // acked-later bytes already written from the head chunk

	// fired (via the loop) when a write fails hard; the server drops the
	// connection
	ErrorCallback func(errcode int)
}

func (c *FileBufferedFdOutputChannel) Init(ctx *Context) {
	c.FileBufferedChannel.Init(ctx)
	c.Channel.DataCallback = c.onData
}

func (c *FileBufferedFdOutputChannel) Reinitialize(fd int, h *FdHandle) {
	c.fd = fd
	c.h = h
	c.written = 0
	c.FileBufferedChannel.Reinitialize()
}

func (c *FileBufferedFdOutputChannel) onData(buf memory.Mbuf, errcode int) Result {
	if buf.Len() == 0 {
		// EOF reached the writer; the channel acks it and fires
		// DataFlushedCallback
		return Result{}
	}
	n, err := unix.Write(c.fd, buf.Bytes())
	if n == buf.Len() {
		return Result{Consumed: n}
	}
	if n < 0 {
		n = 0
	}
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		c.fail(err)
		return Result{End: true}
	}
	// socket saturated; keep the chunk unacked and retry on writability
	c.written = n
	c.h.SetWriting(true)
	return Result{Consumed: ConsumedLater}
}

// OnWritable is the loop's writability callback for the connection.
func (c *FileBufferedFdOutputChannel) OnWritable() {
	rest := c.PeekBytes()
	if rest == nil || c.written >= len(rest) {
		c.h.SetWriting(false)
		return
	}
	n, err := unix.Write(c.fd, rest[c.written:])
	if n > 0 {
		c.written += n
	}
	if c.written == len(rest) {
		done := c.written
		c.written = 0
		c.h.SetWriting(false)
		c.Consumed(done, false)
		return
	}
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		done := c.written
		c.written = 0
		c.h.SetWriting(false)
		c.fail(err)
		c.Consumed(done, true)
	}
}

func (c *FileBufferedFdOutputChannel) fail(err error) {
	errcode := UnexpectedEof
	if errno, ok := err.(unix.Errno); ok {
		errcode = int(errno)
	}
	cb := c.ErrorCallback
	if cb != nil {
		// bounce through the loop so the failure never reenters the
		// feed path that triggered it
		c.ctx.Reactor.RunLater(func() { cb(errcode) })
	}
}

func (c *FileBufferedFdOutputChannel) Deinitialize() {
	if c.h != nil {
		c.h.SetWriting(false)
	}
	c.h = nil
	c.fd = -1
	c.written = 0
	c.FileBufferedChannel.Deinitialize()
}
