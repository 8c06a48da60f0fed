// single-threaded epoll loop
// everything the server mutates is mutated from this loop's goroutine;
// other goroutines get in through RunLater
package engine

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// callbacks for one registered descriptor
type FdHandle struct {
	fd        int
	onRead    func()
	onWrite   func()
	wantRead  bool
	wantWrite bool
	r         *Reactor
	dead      bool
}

type Reactor struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	posted []func()

	handles map[int]*FdHandle
	stop    bool
	done    chan struct{}
}

func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:    epfd,
		wakefd:  wakefd,
		handles: make(map[int]*FdHandle),
		done:    make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// RunLater posts fn to the loop goroutine. Safe from any goroutine.
func (r *Reactor) RunLater(fn func()) {
	r.mu.Lock()
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(r.wakefd, one[:])
}

// Register adds fd with both callbacks disarmed; arm with SetReading/SetWriting.
func (r *Reactor) Register(fd int, onRead, onWrite func()) (*FdHandle, error) {
	h := &FdHandle{fd: fd, onRead: onRead, onWrite: onWrite, r: r}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: 0,
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}
	r.handles[fd] = h
	return h, nil
}

func (h *FdHandle) SetReading(on bool) {
	if h.dead || h.wantRead == on {
		return
	}
	h.wantRead = on
	h.update()
}

func (h *FdHandle) SetWriting(on bool) {
	if h.dead || h.wantWrite == on {
		return
	}
	h.wantWrite = on
	h.update()
}

func (h *FdHandle) update() {
	var ev uint32
	if h.wantRead {
		ev |= unix.EPOLLIN
	}
	if h.wantWrite {
		ev |= unix.EPOLLOUT
	}
	unix.EpollCtl(h.r.epfd, unix.EPOLL_CTL_MOD, h.fd, &unix.EpollEvent{
		Events: ev,
		Fd:     int32(h.fd),
	})
}

// Unregister drops the fd from the loop; the fd itself stays open.
func (h *FdHandle) Unregister() {
	if h.dead {
		return
	}
	h.dead = true
	delete(h.r.handles, h.fd)
	unix.EpollCtl(h.r.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
}

// Run drives the loop until Stop. Call from exactly one goroutine.
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakefd {
				r.drainWake()
				continue
			}
			h := r.handles[fd]
			if h == nil {
				continue
			}
			ev := events[i].Events
			if h.wantRead && ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && !h.dead {
				h.onRead()
			}
			if h.wantWrite && ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 && !h.dead {
				h.onWrite()
			}
		}
		r.runPosted()
		if r.stop {
			break
		}
	}
	close(r.done)
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			break
		}
	}
	r.runPosted()
}

func (r *Reactor) runPosted() {
	for {
		r.mu.Lock()
		if len(r.posted) == 0 {
			r.mu.Unlock()
			return
		}
		batch := r.posted
		r.posted = nil
		r.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}
}

// Stop asks the loop to exit after the current tick and waits for it.
func (r *Reactor) Stop() {
	r.RunLater(func() { r.stop = true })
	<-r.done
}

// Close releases the loop descriptors. Only after Run has returned.
func (r *Reactor) Close() {
	unix.Close(r.wakefd)
	unix.Close(r.epfd)
}
