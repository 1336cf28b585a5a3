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
	"os/exec"
	"time"
)

// requestTimeout bounds how long the parent waits for a child's reply to a
// single frame.
const requestTimeout = 2000 * time.Millisecond

// Client is the parent-process handle to a device model running in a
// sandboxed child, implementing Device purely in terms of the wire
// protocol so any caller that expects a Device (e.g. an mmio.Fabric
// adapter) can drive a proxied leaf transparently.
type Client struct {
	cmd  *exec.Cmd
	conn *net.UnixConn
}

// Start forks a child process running self (the current executable) with
// the flags "-proxy-device=<name> -proxy-socket=<path>", then connects to
// it over the Unix datagram socket at path. The child is expected to call
// proxy.Serve(path, dev) for the named device before the parent's first
// request arrives; Start does not itself wait for that readiness, callers
// should retry their first request if it times out immediately after
// Start returns.
func Start(self, name, path string) (*Client, error) {
	_ = os.Remove(path)

	cmd := exec.Command(self, "-proxy-device="+name, "-proxy-socket="+path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxy: start %s: %w", name, err)
	}

	localAddr := &net.UnixAddr{Name: path + ".client", Net: "unixgram"}
	remoteAddr := &net.UnixAddr{Name: path, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", localAddr, remoteAddr)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("proxy: dial %s: %w", path, err)
	}

	return &Client{cmd: cmd, conn: conn}, nil
}

func (c *Client) roundTrip(req Frame) (Frame, error) {
	if err := c.conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return Frame{}, fmt.Errorf("proxy: set deadline: %w", err)
	}

	if _, err := c.conn.Write(req.Encode()); err != nil {
		return Frame{}, fmt.Errorf("proxy: write: %w", err)
	}

	buf := make([]byte, FrameSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return Frame{}, fmt.Errorf("proxy: read: %w", err)
	}

	return DecodeFrame(buf[:n])
}

// Read requests up to 8 bytes of register state at offset from the child.
func (c *Client) Read(offset uint64, length uint32) []byte {
	reply, err := c.roundTrip(Frame{Cmd: CmdRead, Len: length, Offset: offset})
	if err != nil {
		log.Printf("proxy: read %#x: %v", offset, err)
		return make([]byte, length)
	}

	return append([]byte(nil), reply.Payload[:length]...)
}

// Write commits data (at most 8 bytes) at offset in the child.
func (c *Client) Write(offset uint64, data []byte) {
	var f Frame
	f.Cmd = CmdWrite
	f.Offset = offset
	f.Len = uint32(len(data))
	copy(f.Payload[:], data)

	if _, err := c.roundTrip(f); err != nil {
		log.Printf("proxy: write %#x: %v", offset, err)
	}
}

// Shutdown sends a Shutdown frame and waits for the child to exit.
func (c *Client) Shutdown() {
	if _, err := c.roundTrip(Frame{Cmd: CmdShutdown}); err != nil {
		log.Printf("proxy: shutdown: %v", err)
	}

	_ = c.conn.Close()
	_ = os.Remove(c.conn.LocalAddr().(*net.UnixAddr).Name)

	if err := c.cmd.Wait(); err != nil {
		log.Printf("proxy: child exit: %v", err)
	}
}

// Close is an alias for Shutdown, satisfying io.Closer-style callers that
// drop a Client handle.
func (c *Client) Close() error {
	c.Shutdown()
	return nil
}
