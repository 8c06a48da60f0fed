package engine

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func Test_reactor_run_later_cross_thread(t *testing.T) {
	r, err := NewReactor()
	if err != nil {
		t.Fatal(err)
	}
	go r.Run()
	defer func() {
		r.Stop()
		r.Close()
	}()

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		n := i
		r.RunLater(func() { done <- n })
	}
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case n := <-done:
			seen[n] = true
		case <-time.After(3 * time.Second):
			t.Fatal("posted callbacks never ran")
		}
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct callbacks, got %v", seen)
	}
}

func Test_reactor_fd_readability(t *testing.T) {
	r, err := NewReactor()
	if err != nil {
		t.Fatal(err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	unix.SetNonblock(fds[0], true)

	got := make(chan string, 1)
	h, err := r.Register(fds[0], func() {
		buf := make([]byte, 16)
		n, _ := unix.Read(fds[0], buf)
		if n > 0 {
			select {
			case got <- string(buf[:n]):
			default:
			}
		}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.SetReading(true)

	go r.Run()
	defer func() {
		r.Stop()
		r.Close()
	}()

	unix.Write(fds[1], []byte("ping"))
	select {
	case s := <-got:
		if s != "ping" {
			t.Errorf("read %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("readability callback never fired")
	}

	// disarmed watches must go quiet
	disarmed := make(chan struct{})
	r.RunLater(func() {
		h.SetReading(false)
		close(disarmed)
	})
	<-disarmed
	unix.Write(fds[1], []byte("more"))
	select {
	case s := <-got:
		t.Errorf("disarmed watch still delivered %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}
