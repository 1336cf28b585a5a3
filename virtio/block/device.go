// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package block implements a virtio-block device over PCI: a split
// virtqueue driven by an event-loop handler on its queue-notify eventfd,
// backed by a host file accessed with golang.org/x/sys/unix.Pread/Pwrite,
// matching the x/sys usage already present in this module's eventloop
// package. It is the host/device-side mirror of the
// teacher's kvm/virtio guest-side driver (virtio.go, pci.go,
// descriptor.go): the same common-configuration register layout and split
// virtqueue structure, answered from the device side instead of driven
// from the driver side.
package block

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
	"github.com/usbarmory/vmdevices/mmio"
	"github.com/usbarmory/vmdevices/pci"
)

const sectorSize = 512

// virtio_blk_req types (VIRTIO 1.2 §5.2.6).
const (
	reqIn    = 0
	reqOut   = 1
	reqFlush = 4
)

// virtio_blk_req status codes.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

const defaultQueueSize = 256

// Common Configuration offsets, identical to the teacher's kvm/virtio/pci.go
// driver-side constants of the same names.
const (
	offDeviceFeatureSel = 0x00
	offDeviceFeature    = 0x04
	offDriverFeatureSel = 0x08
	offDriverFeature    = 0x0c
	offMSIXVector       = 0x10
	offNumQueues        = 0x12
	offDeviceStatus     = 0x14
	offConfigGeneration = 0x15
	offQueueSel         = 0x16
	offQueueSize        = 0x18
	offQueueMSIXVector  = 0x1a
	offQueueEnable      = 0x1c
	offQueueNotifyOff   = 0x1e
	offQueueDesc        = 0x20
	offQueueDriver      = 0x28
	offQueueDevice      = 0x30

	commonCfgSize = 0x38
)

// BAR0 layout: one region per VirtIO PCI capability.
const (
	barCommonBase = 0x0000
	barNotifyBase = 0x1000
	barISRBase    = 0x2000
	barConfigBase = 0x3000
	barSize       = 0x4000

	notifyMultiplier = 4
)

// Device is a single-queue virtio-block PCI function.
type Device struct {
	mu sync.Mutex

	mem *guestmem.Memory
	fd  int

	capacitySectors uint64

	featureSel       uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	status           uint8

	queueSel      uint16
	queueSize     uint16
	pendingDesc   uint64
	pendingDriver uint64
	pendingDevice uint64
	q             *virtqueue

	regDriverFeature *mmio.Register
	regISR           *mmio.Register

	notify    *eventloop.EventFd
	token     eventloop.Token
	assertIRQ func(bool)
}

// New opens backingPath as the block device's storage and builds a
// virtio-block PCI function backed by it, registering the device's queue
// worker with loop. assertIRQ is pulsed once per completed batch of
// requests, matching the xHCI controller's legacy-INTx-only interrupt
// model.
func New(mem *guestmem.Memory, backingPath string, loop *eventloop.Loop, assertIRQ func(bool)) (*Device, *pci.Function, error) {
	fd, err := unix.Open(backingPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("virtio-blk: open %s: %w", backingPath, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("virtio-blk: stat %s: %w", backingPath, err)
	}

	notify, err := eventloop.NewEventFd()
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("virtio-blk: new eventfd: %w", err)
	}

	d := &Device{
		mem:             mem,
		fd:              fd,
		capacitySectors: uint64(st.Size) / sectorSize,
		queueSize:       defaultQueueSize,
		notify:          notify,
		assertIRQ:       assertIRQ,
	}

	token, err := loop.Add(notify.Fd(), d)
	if err != nil {
		unix.Close(fd)
		notify.Close()
		return nil, nil, fmt.Errorf("virtio-blk: register notify fd: %w", err)
	}
	d.token = token

	fn := d.buildFunction()

	return d, fn, nil
}

// Close releases the backing file and unregisters the notify eventfd.
func (d *Device) Close() error {
	d.token.Release()
	d.notify.Close()
	return unix.Close(d.fd)
}

func (d *Device) buildFunction() *pci.Function {
	fab := mmio.NewFabric()

	d.buildCommonCfg(fab)

	notifyReg := mmio.NewRegister("NOTIFY", barNotifyBase, 4, 0, 0xffffffff, 0).
		OnWrite(d.onNotifyWrite)
	fab.Register(barNotifyBase, notifyReg)

	d.regISR = mmio.NewRegister("ISR", barISRBase, 4, 0, 0, 0)
	fab.Register(barISRBase, d.regISR)

	fab.Register(barConfigBase, mmio.NewStaticRegister("CAPACITY", barConfigBase, 8, d.capacitySectors))

	fn := pci.NewFunction(pci.VendorVirtIO, pci.DeviceVirtIOBlockLegacy, pci.ClassMassStorageController, pci.SubclassSCSI, 0)
	fn.SetInterruptPin(1)
	fn.SetIRQLine(d.assertIRQ)
	fn.SetBAR(0, &pci.BAR{Size: barSize, Fab: fab})

	d.addCapabilities(fn)

	return fn
}

func (d *Device) buildCommonCfg(fab *mmio.Fabric) {
	fab.Register(barCommonBase+offDeviceFeatureSel,
		mmio.NewRegister("DEVICE_FEATURE_SEL", barCommonBase+offDeviceFeatureSel, 4, 0, 0xffffffff, 0).
			OnWrite(func(val uint64) uint64 { d.mu.Lock(); d.featureSel = uint32(val); d.mu.Unlock(); return val }))

	// No optional feature bits are offered; a minimal block device needs
	// none negotiated to serve IN/OUT/FLUSH requests.
	fab.Register(barCommonBase+offDeviceFeature, mmio.NewStaticRegister("DEVICE_FEATURE", barCommonBase+offDeviceFeature, 4, 0))

	fab.Register(barCommonBase+offDriverFeatureSel,
		mmio.NewRegister("DRIVER_FEATURE_SEL", barCommonBase+offDriverFeatureSel, 4, 0, 0xffffffff, 0).
			OnWrite(d.onDriverFeatureSelWrite))

	d.regDriverFeature = mmio.NewRegister("DRIVER_FEATURE", barCommonBase+offDriverFeature, 4, 0, 0xffffffff, 0).
		OnWrite(d.onDriverFeatureWrite)
	fab.Register(barCommonBase+offDriverFeature, d.regDriverFeature)

	fab.Register(barCommonBase+offMSIXVector, mmio.NewRegister("MSIX_VECTOR", barCommonBase+offMSIXVector, 2, 0xffff, 0xffff, 0))
	fab.Register(barCommonBase+offNumQueues, mmio.NewStaticRegister("NUM_QUEUES", barCommonBase+offNumQueues, 2, 1))

	fab.Register(barCommonBase+offDeviceStatus,
		mmio.NewRegister("DEVICE_STATUS", barCommonBase+offDeviceStatus, 1, 0, 0xff, 0).
			OnWrite(d.onStatusWrite))

	fab.Register(barCommonBase+offConfigGeneration, mmio.NewStaticRegister("CONFIG_GENERATION", barCommonBase+offConfigGeneration, 1, 0))

	fab.Register(barCommonBase+offQueueSel,
		mmio.NewRegister("QUEUE_SEL", barCommonBase+offQueueSel, 2, 0, 0xffff, 0).
			OnWrite(func(val uint64) uint64 { d.mu.Lock(); d.queueSel = uint16(val); d.mu.Unlock(); return val }))

	fab.Register(barCommonBase+offQueueSize,
		mmio.NewRegister("QUEUE_SIZE", barCommonBase+offQueueSize, 2, defaultQueueSize, 0xffff, 0).
			OnWrite(d.onQueueSizeWrite))

	fab.Register(barCommonBase+offQueueMSIXVector, mmio.NewRegister("QUEUE_MSIX_VECTOR", barCommonBase+offQueueMSIXVector, 2, 0xffff, 0xffff, 0))

	fab.Register(barCommonBase+offQueueEnable,
		mmio.NewRegister("QUEUE_ENABLE", barCommonBase+offQueueEnable, 2, 0, 0xffff, 0).
			OnWrite(d.onQueueEnableWrite))

	fab.Register(barCommonBase+offQueueNotifyOff, mmio.NewStaticRegister("QUEUE_NOTIFY_OFF", barCommonBase+offQueueNotifyOff, 2, 0))

	fab.Register(barCommonBase+offQueueDesc,
		mmio.NewRegister("QUEUE_DESC", barCommonBase+offQueueDesc, 8, 0, ^uint64(0), 0).
			OnWrite(func(val uint64) uint64 { d.mu.Lock(); d.pendingDesc = val; d.mu.Unlock(); return val }))

	fab.Register(barCommonBase+offQueueDriver,
		mmio.NewRegister("QUEUE_DRIVER", barCommonBase+offQueueDriver, 8, 0, ^uint64(0), 0).
			OnWrite(func(val uint64) uint64 { d.mu.Lock(); d.pendingDriver = val; d.mu.Unlock(); return val }))

	fab.Register(barCommonBase+offQueueDevice,
		mmio.NewRegister("QUEUE_DEVICE", barCommonBase+offQueueDevice, 8, 0, ^uint64(0), 0).
			OnWrite(func(val uint64) uint64 { d.mu.Lock(); d.pendingDevice = val; d.mu.Unlock(); return val }))
}

func (d *Device) onDriverFeatureSelWrite(val uint64) uint64 {
	d.mu.Lock()
	d.driverFeatureSel = uint32(val)
	cur := uint32(d.driverFeatures >> (uint(d.driverFeatureSel%2) * 32))
	d.mu.Unlock()

	d.regDriverFeature.Set(uint64(cur))

	return val
}

func (d *Device) onDriverFeatureWrite(val uint64) uint64 {
	d.mu.Lock()
	sel := uint(d.driverFeatureSel % 2)
	d.driverFeatures = (d.driverFeatures &^ (0xffffffff << (sel * 32))) | (uint64(uint32(val)) << (sel * 32))
	d.mu.Unlock()

	return val
}

func (d *Device) onStatusWrite(val uint64) uint64 {
	d.mu.Lock()
	d.status = uint8(val)
	if d.status == 0 {
		d.q = nil
	}
	d.mu.Unlock()

	return val
}

func (d *Device) onQueueSizeWrite(val uint64) uint64 {
	d.mu.Lock()
	if d.queueSel == 0 {
		d.queueSize = uint16(val)
	}
	d.mu.Unlock()

	return val
}

func (d *Device) onQueueEnableWrite(val uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if val&1 != 0 && d.queueSel == 0 {
		size := d.queueSize
		if size == 0 {
			size = defaultQueueSize
		}

		d.q = &virtqueue{
			mem:       d.mem,
			size:      size,
			descTable: d.pendingDesc,
			availAddr: d.pendingDriver,
			usedAddr:  d.pendingDevice,
		}
	}

	return val
}

func (d *Device) onNotifyWrite(val uint64) uint64 {
	if err := d.notify.Signal(); err != nil {
		log.Printf("virtio-blk: signal notify: %v", err)
	}

	return val
}

// HandleEvent implements eventloop.Handler: it drains the queue-notify
// eventfd and services every available descriptor chain on the block
// queue.
func (d *Device) HandleEvent() {
	d.notify.Drain()

	d.mu.Lock()
	q := d.q
	d.mu.Unlock()

	if q == nil {
		return
	}

	serviced := false

	for {
		has, err := q.hasAvailable()
		if err != nil {
			log.Printf("virtio-blk: avail ring: %v", err)
			return
		}
		if !has {
			break
		}

		head, chain, err := q.popAvailable()
		if err != nil {
			log.Printf("virtio-blk: pop available: %v", err)
			return
		}

		length := d.process(chain)

		if err := q.pushUsed(head, length); err != nil {
			log.Printf("virtio-blk: push used: %v", err)
			return
		}

		serviced = true
	}

	if !serviced {
		return
	}

	d.regISR.SetBits(1)

	// Legacy INTx has no per-device read-to-deassert hook in this
	// module's register model, so the line is pulsed rather than held,
	// standing in for "ISR read clears and deasserts".
	if d.assertIRQ != nil {
		d.assertIRQ(true)
		d.assertIRQ(false)
	}
}

// process services one virtio_blk_req descriptor chain: a read-only
// 16-byte header, zero or more data descriptors, and a final write-only
// 1-byte status descriptor. It returns the total byte length to report in
// the used ring (data bytes moved plus the status byte).
func (d *Device) process(chain []descriptor) uint32 {
	if len(chain) < 2 {
		return 0
	}

	hdr := chain[0]

	headerBuf, err := d.mem.Bytes(hdr.addr, 16)
	if err != nil {
		return 0
	}

	reqType := binary.LittleEndian.Uint32(headerBuf[0:4])
	sector := binary.LittleEndian.Uint64(headerBuf[8:16])

	statusDesc := chain[len(chain)-1]
	dataDescs := chain[1 : len(chain)-1]

	status := byte(statusOK)
	var total uint32

	switch reqType {
	case reqIn:
		off := int64(sector) * sectorSize
		for _, dd := range dataDescs {
			buf, err := d.mem.Bytes(dd.addr, int(dd.len))
			if err != nil {
				status = statusIOErr
				break
			}

			n, err := unix.Pread(d.fd, buf, off)
			if err != nil {
				status = statusIOErr
				break
			}

			off += int64(n)
			total += uint32(n)
		}

	case reqOut:
		off := int64(sector) * sectorSize
		for _, dd := range dataDescs {
			buf, err := d.mem.Bytes(dd.addr, int(dd.len))
			if err != nil {
				status = statusIOErr
				break
			}

			n, err := unix.Pwrite(d.fd, buf, off)
			if err != nil {
				status = statusIOErr
				break
			}

			off += int64(n)
			total += uint32(n)
		}

	case reqFlush:
		if err := unix.Fsync(d.fd); err != nil {
			status = statusIOErr
		}

	default:
		status = statusUnsupp
	}

	if sbuf, err := d.mem.Bytes(statusDesc.addr, 1); err == nil {
		sbuf[0] = status
	}

	return total + 1
}
