// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package eventloop implements the single scheduler for the whole device
// subsystem: one goroutine blocked in epoll_wait, dispatching readiness to
// registered handlers. It is the Go analogue of the source's io_thread: a
// cooperative, single-consumer-per-fd event loop rather than a thread pool.
package eventloop

import (
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Handler is invoked when its registered file descriptor becomes readable.
type Handler interface {
	HandleEvent()
}

// handlerSlot is the "weak reference" the loop holds: the owner of a
// Handler can mark the slot dead on its own teardown without the loop
// needing to synchronize with it beyond an atomic flag check.
type handlerSlot struct {
	fd   int
	h    Handler
	live int32
}

func (s *handlerSlot) alive() bool {
	return atomic.LoadInt32(&s.live) == 1
}

// Token identifies a registration and is used to unregister it.
type Token struct {
	slot *handlerSlot
}

// Release marks the handler dead; the loop removes its fd on the next wake
// rather than dereferencing it again.
func (t Token) Release() {
	if t.slot == nil {
		return
	}

	atomic.StoreInt32(&t.slot.live, 0)
}

const cmdFdIndex = 0 // the command channel is the first fd added to the epoll set; Run recognises it by descriptor, not by position.

type command struct {
	stop bool
	add  *handlerSlot
	del  int
}

// Loop is the single event-loop goroutine. The zero value is not usable;
// use New.
type Loop struct {
	epfd int

	cmdR *os_eventfd // readable end of the command channel
	cmds chan command

	mu     sync.Mutex
	slots  map[int]*handlerSlot
	done   chan struct{}
}

// New creates an event loop with its epoll instance and command channel
// ready, but does not start running it; call Run in its own goroutine.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	cmdFd, err := newEventFd()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		epfd:  epfd,
		cmdR:  cmdFd,
		cmds:  make(chan command, 64),
		slots: make(map[int]*handlerSlot),
		done:  make(chan struct{}),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cmdFd.fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cmdFd.fd, &ev); err != nil {
		unix.Close(epfd)
		cmdFd.Close()
		return nil, err
	}

	return l, nil
}

// Add registers fd with the loop; h.HandleEvent is invoked whenever fd
// becomes readable. Within a single wake, ready fds are dispatched in the
// order EpollWait reports them; registration order is not used, and the
// command fd is handled wherever it appears in that order.
func (l *Loop) Add(fd int, h Handler) (Token, error) {
	slot := &handlerSlot{fd: fd, h: h, live: 1}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return Token{}, err
	}

	l.mu.Lock()
	l.slots[fd] = slot
	l.mu.Unlock()

	return Token{slot: slot}, nil
}

// Remove unregisters fd immediately. Prefer Token.Release for handlers that
// may be torn down concurrently with the loop's own wake processing.
func (l *Loop) Remove(fd int) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	l.mu.Lock()
	delete(l.slots, fd)
	l.mu.Unlock()
}

// Stop asks the loop to exit after draining the current wake. It is safe to
// call from any goroutine.
func (l *Loop) Stop() {
	l.cmds <- command{stop: true}
	l.cmdR.Signal()
}

// Run services epoll_wait until Stop is called. It is the only goroutine
// that ever reads from registered fds' readiness; it never blocks anywhere
// but inside EpollWait.
func (l *Loop) Run() {
	defer close(l.done)

	events := make([]unix.EpollEvent, 64)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			log.Printf("eventloop: epoll_wait: %v", err)
			return
		}

		stop := false

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if fd == l.cmdR.fd {
				l.cmdR.Drain()
				stop = l.drainCommands() || stop
				continue
			}

			l.mu.Lock()
			slot := l.slots[fd]
			l.mu.Unlock()

			if slot == nil {
				continue
			}

			if !slot.alive() {
				l.Remove(fd)
				continue
			}

			slot.h.HandleEvent()
		}

		if stop {
			return
		}
	}
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() {
	<-l.done
}

func (l *Loop) drainCommands() (stop bool) {
	for {
		select {
		case c := <-l.cmds:
			if c.stop {
				stop = true
			}
		default:
			return stop
		}
	}
}

// Close releases the loop's epoll instance and command eventfd. Run must
// have returned before calling Close.
func (l *Loop) Close() error {
	l.cmdR.Close()
	return unix.Close(l.epfd)
}
