// FileBufferedChannel spills to an unlinked temp file once the in-memory
// queue passes the context's memory limit; reads drain memory first, then
// disk. file ordering stays FIFO: once spilling starts, every further feed
// goes to disk until the file is drained.
package engine

import (
	"os"

	"github.com/kfcemployee/httpcore/server/memory"
)

type FileBufferedChannel struct {
	Channel

	spill       *os.File
	spillWrite  int64
	spillRead   int64
	spillUnread int64

	pendingEnd bool
	pendingErr int
}

func (c *FileBufferedChannel) Init(ctx *Context) {
	c.Channel.Init(ctx)
	c.Channel.refill = c.refill
	c.Channel.hasMore = c.spillPending
}

func (c *FileBufferedChannel) Feed(buf memory.Mbuf) {
	if c.pendingEnd || c.Channel.fedEnd {
		panic("channel: feed after end")
	}
	if buf.Len() == 0 {
		if c.spillUnread > 0 {
			c.pendingEnd = true
			return
		}
		c.Channel.Feed(buf)
		return
	}
	if c.spillUnread > 0 || c.Channel.buffered+buf.Len() > c.ctx.MemoryLimit {
		c.writeSpill(buf.Bytes())
		buf.Release()
		c.Channel.deliver()
		return
	}
	c.Channel.Feed(buf)
}

func (c *FileBufferedChannel) FeedError(errcode int) {
	if c.pendingEnd || c.Channel.fedEnd {
		return
	}
	if c.spillUnread > 0 {
		c.pendingEnd = true
		c.pendingErr = errcode
		return
	}
	c.Channel.FeedError(errcode)
}

func (c *FileBufferedChannel) writeSpill(b []byte) {
	if c.spill == nil {
		f, err := os.CreateTemp(c.ctx.SpillDir, "channel-spill-")
		if err != nil {
			// out of spill space is fatal to the stream, not the process
			c.Channel.FeedError(ProtocolError)
			return
		}
		os.Remove(f.Name())
		c.spill = f
		c.spillWrite = 0
		c.spillRead = 0
	}
	n, err := c.spill.WriteAt(b, c.spillWrite)
	c.spillWrite += int64(n)
	c.spillUnread += int64(n)
	if err != nil {
		c.Channel.FeedError(ProtocolError)
	}
}

// refill feeds the delivery loop from disk once memory is drained.
func (c *FileBufferedChannel) refill() memory.Mbuf {
	if c.spillUnread > 0 {
		n := int64(memory.BlockSize)
		if c.spillUnread < n {
			n = c.spillUnread
		}
		buf := memory.NewBlock(int(n))
		got, err := c.spill.ReadAt(buf.Bytes(), c.spillRead)
		if err != nil && got == 0 {
			buf.Release()
			c.spillUnread = 0
		} else {
			c.spillRead += int64(got)
			c.spillUnread -= int64(got)
			if got < buf.Len() {
				view := buf.Slice(0, got)
				buf.Release()
				buf = view
			}
			if c.spillUnread == 0 {
				c.closeSpill()
				c.finishPendingEnd()
			}
			return buf
		}
	}
	c.finishPendingEnd()
	return memory.Empty()
}

func (c *FileBufferedChannel) finishPendingEnd() {
	if !c.pendingEnd {
		return
	}
	c.pendingEnd = false
	c.Channel.errcode = c.pendingErr
	c.pendingErr = 0
	c.Channel.fedEnd = true
}

func (c *FileBufferedChannel) spillPending() bool {
	return c.spillUnread > 0
}

// PassedThreshold counts spilled bytes too; otherwise a stalled consumer
// would grow the spill file without ever pushing back on the producer.
func (c *FileBufferedChannel) PassedThreshold() bool {
	return int64(c.Channel.buffered)+c.spillUnread >= int64(c.ctx.MemoryLimit)
}

func (c *FileBufferedChannel) closeSpill() {
	if c.spill != nil {
		c.spill.Close()
		c.spill = nil
	}
	c.spillWrite = 0
	c.spillRead = 0
	c.spillUnread = 0
}

func (c *FileBufferedChannel) Ended() bool {
	return c.pendingEnd || c.Channel.Ended()
}

func (c *FileBufferedChannel) Deinitialize() {
	c.closeSpill()
	c.pendingEnd = false
	c.pendingErr = 0
	c.Channel.Deinitialize()
}

func (c *FileBufferedChannel) Reinitialize() {
	c.closeSpill()
	c.pendingEnd = false
	c.pendingErr = 0
	c.Channel.Reinitialize()
}
