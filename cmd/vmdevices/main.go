// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command vmdevices assembles and runs the virtual device subsystem
// against guest memory supplied by an embedding type-2 hypervisor. Run
// with no flags it starts the full device set; run with -proxy-device it
// instead acts as the sandboxed child process for a single proxied leaf,
// the role proxy.Start forks it into.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
	"github.com/usbarmory/vmdevices/legacy/ac97"
	"github.com/usbarmory/vmdevices/legacy/cmos"
	"github.com/usbarmory/vmdevices/legacy/i8042"
	"github.com/usbarmory/vmdevices/legacy/serial"
	"github.com/usbarmory/vmdevices/mmio"
	"github.com/usbarmory/vmdevices/proxy"
	"github.com/usbarmory/vmdevices/vmm"
)

func main() {
	log.SetFlags(0)

	proxyDevice := flag.String("proxy-device", "", "run as a sandboxed child serving this legacy leaf")
	proxySocket := flag.String("proxy-socket", "", "Unix datagram socket path for -proxy-device")
	controlSocket := flag.String("control-socket", "", "Unix datagram socket path for the USB control plane")
	blockImage := flag.String("block-image", "", "backing file for the virtio-block device")
	memSize := flag.Uint64("mem-size", 256<<20, "guest memory region size in bytes, for standalone testing")
	flag.Parse()

	if *proxyDevice != "" {
		runProxyChild(*proxyDevice, *proxySocket)
		return
	}

	runVMM(*controlSocket, *blockImage, *memSize)
}

// runProxyChild serves a single legacy leaf over the proxy wire protocol
// until it receives Shutdown. It is the target of proxy.Start's fork.
func runProxyChild(name, socket string) {
	if socket == "" {
		log.Fatalf("vmdevices: -proxy-socket is required with -proxy-device")
	}

	fab := mmio.NewFabric()

	switch name {
	case "i8042":
		i8042.Register(fab, 0)
	case "cmos":
		cmos.New(time.Now()).Register(fab, 0)
	case "serial":
		serial.New(os.Stdout).Register(fab, 0)
	case "ac97":
		ac97.New().Register(fab, 0, 0x10)
	default:
		log.Fatalf("vmdevices: unknown proxy device %q", name)
	}

	if err := proxy.Serve(socket, proxy.NewFabricLeaf(fab)); err != nil {
		log.Fatalf("vmdevices: proxy: %v", err)
	}
}

// runVMM assembles and runs the full device subsystem against a
// process-local guest memory buffer. It exists to exercise the assembly
// end to end; a real embedding hypervisor supplies its own guest memory
// and drives cfg.Loop itself instead of calling this entry point.
func runVMM(controlSocket, blockImage string, memSize uint64) {
	loop, err := eventloop.New()
	if err != nil {
		log.Fatalf("vmdevices: event loop: %v", err)
	}
	defer loop.Close()

	mem := guestmem.New(0, make([]byte, memSize))

	var usbCtx *gousb.Context
	if controlSocket != "" {
		usbCtx = gousb.NewContext()
		defer usbCtx.Close()
	}

	cfg := vmm.Config{
		Memory:               mem,
		Loop:                 loop,
		AssertXHCIIRQ:        func(bool) {},
		AssertVirtioBlockIRQ: func(bool) {},
		BlockDeviceImage:     blockImage,
		ControlSocketPath:    controlSocket,
		USBContext:           usbCtx,
	}

	vm, err := vmm.New(cfg)
	if err != nil {
		log.Fatalf("vmdevices: %v", err)
	}
	defer vm.Close()

	if vm.Provider != nil {
		go func() {
			if err := vm.Provider.Serve(); err != nil {
				log.Printf("vmdevices: control plane: %v", err)
			}
		}()
	}

	go loop.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	loop.Stop()
	loop.Wait()
}
