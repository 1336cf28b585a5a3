// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proxy

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"
)

// replyTimeout bounds how long a single frame's reply write may block,
// matching the control-plane socket's deadline.
const replyTimeout = 2000 * time.Millisecond

// Server runs in the sandboxed child process, answering Frame requests
// against a single Device until it receives Shutdown.
type Server struct {
	conn *net.UnixConn
	dev  Device
}

// Serve listens on the Unix datagram socket at path and answers requests
// against dev until a Shutdown frame is received or the socket is closed.
// It returns nil on an orderly Shutdown.
func Serve(path string, dev Device) error {
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}

	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", path, err)
	}
	defer conn.Close()

	s := &Server{conn: conn, dev: dev}
	return s.loop()
}

func (s *Server) loop() error {
	buf := make([]byte, FrameSize)

	for {
		n, remote, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			return fmt.Errorf("proxy: read: %w", err)
		}

		req, err := DecodeFrame(buf[:n])
		if err != nil {
			log.Printf("proxy: %v", err)
			continue
		}

		reply, shutdown := s.handle(req)

		if remote != nil {
			if err := s.conn.SetWriteDeadline(time.Now().Add(replyTimeout)); err != nil {
				log.Printf("proxy: set write deadline: %v", err)
			}
			if _, err := s.conn.WriteToUnix(reply.Encode(), remote); err != nil {
				log.Printf("proxy: reply: %v", err)
			}
		}

		if shutdown {
			s.dev.Shutdown()
			return nil
		}
	}
}

func (s *Server) handle(req Frame) (reply Frame, shutdown bool) {
	switch req.Cmd {
	case CmdRead:
		data := s.dev.Read(req.Offset, req.Len)
		reply = req
		copy(reply.Payload[:], data)
		return reply, false
	case CmdWrite:
		s.dev.Write(req.Offset, req.Payload[:req.Len])
		return req, false
	case CmdShutdown:
		return req, true
	default:
		log.Printf("proxy: unknown command %d", req.Cmd)
		return req, false
	}
}
