// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package eventloop

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd wraps a Linux eventfd(2) descriptor. It is the one rendezvous
// primitive used throughout this module: ring-buffer controllers re-signal
// their own EventFd to continue a cooperative dequeue loop, and host
// passthrough transfers signal one to hand completion back to the event
// loop goroutine.
type EventFd = os_eventfd

type os_eventfd struct {
	fd int
}

// newEventFd creates an eventfd in semaphore-less (counter) mode.
func newEventFd() (*os_eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	return &os_eventfd{fd: fd}, nil
}

// NewEventFd creates a new EventFd usable as an eventloop.Handler source.
func NewEventFd() (*EventFd, error) {
	return newEventFd()
}

// Fd returns the underlying file descriptor, for registration with Loop.Add.
func (e *os_eventfd) Fd() int {
	return e.fd
}

// Signal increments the eventfd counter by one, waking anyone polling it.
func (e *os_eventfd) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(e.fd, buf[:])
	if err == unix.EAGAIN {
		// counter at its maximum: a wake is already pending.
		return nil
	}

	return err
}

// Drain reads and discards the eventfd counter, as required before
// re-arming epoll's level-triggered readiness.
func (e *os_eventfd) Drain() error {
	var buf [8]byte

	_, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}

	return err
}

// Close releases the underlying descriptor.
func (e *os_eventfd) Close() error {
	return unix.Close(e.fd)
}
