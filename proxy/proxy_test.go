// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proxy

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRoundTrip exercises the frame protocol directly between a Server and
// a bare socket pair, without forking a child process: it verifies that a
// Write is acknowledged unchanged, a subsequent Read returns the payload
// actually stored at that offset, and Shutdown terminates the server loop.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "proxy.sock")

	dev := NewMemoryLeaf(16)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- Serve(sockPath, dev)
	}()

	// Wait for the server to create its socket file.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server socket never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	localAddr := &net.UnixAddr{Name: filepath.Join(dir, "client.sock"), Net: "unixgram"}
	remoteAddr := &net.UnixAddr{Name: sockPath, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", localAddr, remoteAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	roundTrip := func(f Frame) Frame {
		if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(f.Encode()); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, FrameSize)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		reply, err := DecodeFrame(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		return reply
	}

	write := Frame{Cmd: CmdWrite, Len: 4, Offset: 4}
	copy(write.Payload[:], []byte{0xde, 0xad, 0xbe, 0xef})

	ack := roundTrip(write)
	if ack != write {
		t.Fatalf("write ack = %+v, want %+v", ack, write)
	}

	read := roundTrip(Frame{Cmd: CmdRead, Len: 4, Offset: 4})
	if !bytes.Equal(read.Payload[:4], []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("read payload = %v, want deadbeef", read.Payload[:4])
	}

	roundTrip(Frame{Cmd: CmdShutdown})

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit within deadline after shutdown")
	}
}
