// Channel is the unit of backpressure: a producer feeds mbufs, a consumer
// callback acknowledges them. single producer, single consumer, loop thread
// only.
package engine

import (
	"github.com/kfcemployee/httpcore/server/memory"
)

// Result is the consumer's acknowledgement for one delivered buffer.
type Result struct {
	Consumed int
	End      bool
}

// ConsumedLater defers the acknowledgement; the consumer must call
// Consumed() once it knows how much it took.
const ConsumedLater = -1

// DataFunc receives a chunk, or the EOF sentinel (zero length, errcode 0),
// or an error (zero length, errcode != 0).
type DataFunc func(buf memory.Mbuf, errcode int) Result

type Channel struct {
	DataCallback DataFunc

	// fired when every fed byte has been consumed and acknowledged
	// (in-flight count back to zero). not cleared by the channel.
	BuffersFlushedCallback func(*Channel)

	// fired when the EOF has been acknowledged by the consumer
	DataFlushedCallback func(*Channel)

	ctx      *Context
	queue    []memory.Mbuf
	headOff  int // consumed-and-acked prefix of queue[0]
	buffered int // fed but unacknowledged bytes

	errcode  int
	fedEnd   bool // EOF or error fed; no more Feed calls allowed
	endAcked bool

	consumerEnded bool // consumer returned End; rest of the stream is dropped
	delivering    bool
	waiting       bool // ConsumedLater outstanding
	stopped       bool

	// FileBufferedChannel drain hooks
	refill  func() memory.Mbuf
	hasMore func() bool
}

func (c *Channel) Init(ctx *Context) {
	c.ctx = ctx
}

// Feed hands a chunk to the channel. The channel takes ownership of the
// mbuf reference. A zero-length mbuf is the EOF signal.
func (c *Channel) Feed(buf memory.Mbuf) {
	if c.fedEnd {
		panic("channel: feed after end")
	}
	if buf.Len() == 0 {
		c.fedEnd = true
	} else {
		c.queue = append(c.queue, buf)
		c.buffered += buf.Len()
	}
	c.deliver()
}

// FeedError terminates the stream with an error code. Delivered to the
// consumer after any queued data.
func (c *Channel) FeedError(errcode int) {
	if c.fedEnd {
		return
	}
	c.errcode = errcode
	c.fedEnd = true
	c.deliver()
}

// PassedThreshold reports whether unacknowledged bytes exceed the limit;
// the producer should stop its source and wait for BuffersFlushedCallback.
func (c *Channel) PassedThreshold() bool {
	return c.buffered >= c.ctx.MemoryLimit
}

func (c *Channel) Ended() bool {
	return c.fedEnd
}

func (c *Channel) EndAcked() bool {
	return c.endAcked
}

// Stop pauses delivery to the consumer. Fed data keeps queueing.
func (c *Channel) Stop() {
	c.stopped = true
}

// Start resumes delivery of anything queued while stopped.
func (c *Channel) Start() {
	if !c.stopped {
		return
	}
	c.stopped = false
	c.deliver()
}

// Consumed completes a ConsumedLater acknowledgement.
func (c *Channel) Consumed(n int, end bool) {
	if !c.waiting {
		panic("channel: Consumed without pending acknowledgement")
	}
	c.waiting = false
	if len(c.queue) > 0 {
		c.ack(n)
	} else if c.fedEnd && !c.endAcked {
		c.ackEnd()
	}
	if end {
		c.consumerEnd()
		return
	}
	c.deliver()
}

// PeekBytes exposes the unacknowledged head chunk. Valid until the next
// ack; used by fd writers retrying partial writes.
func (c *Channel) PeekBytes() []byte {
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0].Bytes()[c.headOff:]
}

func (c *Channel) deliver() {
	if c.delivering {
		return
	}
	c.delivering = true
	defer func() { c.delivering = false }()

	for !c.waiting && !c.stopped && !c.consumerEnded {
		if len(c.queue) == 0 && c.refill != nil {
			if got := c.refill(); got.Len() > 0 {
				c.queue = append(c.queue, got)
				c.buffered += got.Len()
			}
		}
		if len(c.queue) > 0 {
			head := c.queue[0]
			view := head.Slice(c.headOff, head.Len()-c.headOff)
			r := c.DataCallback(view, 0)
			view.Release()
			if r.Consumed == ConsumedLater {
				c.waiting = true
				return
			}
			c.ack(r.Consumed)
			if r.End {
				c.consumerEnd()
				return
			}
			if r.Consumed == 0 {
				// consumer stalled; resumes via Start or Consumed
				return
			}
			continue
		}
		if c.fedEnd && !c.endAcked {
			r := c.DataCallback(memory.Empty(), c.errcode)
			if r.Consumed == ConsumedLater {
				c.waiting = true
				return
			}
			// the callback may have torn the stream down (Deinitialize or
			// Reinitialize from a handler); only ack the EOF it belongs to
			if c.fedEnd && !c.endAcked {
				c.ackEnd()
			}
			if r.End {
				c.consumerEnd()
			}
			return
		}
		return
	}
}

func (c *Channel) ack(n int) {
	if n == 0 || len(c.queue) == 0 {
		return
	}
	head := c.queue[0]
	c.buffered -= n
	c.headOff += n
	if c.headOff >= head.Len() {
		head.Release()
		c.queue[0] = memory.Mbuf{}
		c.queue = c.queue[1:]
		c.headOff = 0
	}
	if c.buffered == 0 && (c.hasMore == nil || !c.hasMore()) && c.BuffersFlushedCallback != nil {
		c.BuffersFlushedCallback(c)
	}
}

func (c *Channel) ackEnd() {
	c.endAcked = true
	if c.DataFlushedCallback != nil {
		c.DataFlushedCallback(c)
	}
}

func (c *Channel) consumerEnd() {
	c.consumerEnded = true
	c.dropQueue()
}

func (c *Channel) dropQueue() {
	for i := range c.queue {
		c.queue[i].Release()
		c.queue[i] = memory.Mbuf{}
	}
	c.queue = c.queue[:0]
	c.buffered = 0
	c.headOff = 0
}

// Deinitialize releases queued buffers and resets stream state. Callbacks
// are wired by the owning object and stay; owners clear what they must.
func (c *Channel) Deinitialize() {
	c.dropQueue()
	c.errcode = 0
	c.fedEnd = false
	c.endAcked = false
	c.consumerEnded = false
	c.waiting = false
	c.stopped = false
}

// Reinitialize readies the channel for a new stream. The data callback
// survives; it is wired once per owning object.
func (c *Channel) Reinitialize() {
	c.errcode = 0
	c.fedEnd = false
	c.endAcked = false
	c.consumerEnded = false
	c.waiting = false
	c.stopped = false
	c.headOff = 0
}
