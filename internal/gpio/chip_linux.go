// SPDX-License-Identifier: MIT

//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/eclaw/clawd/internal/log"
)

const consumerLabel = "clawd"

// winDebounceUs is the kernel-side debounce applied to the win sensor.
const winDebounceUs = 20000

// chipBackend drives lines through the gpiochip character device using
// the v2 uapi. Each claimed line gets its own request fd, so an
// orphaned holder from a dead process does not block a fresh claim on
// a rebooted chip, and value writes are last-write-wins.
type chipBackend struct {
	path string
	fd   int
}

// OpenChip opens a gpiochip character device, e.g. /dev/gpiochip0.
func OpenChip(path string) (Backend, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio: open %s: %w", path, err)
	}
	return &chipBackend{path: path, fd: fd}, nil
}

func (c *chipBackend) Close() error {
	return unix.Close(c.fd)
}

func (c *chipBackend) requestLine(req *unix.GpioV2LineRequest) (int, error) {
	copy(req.Consumer[:], consumerLabel)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd),
		uintptr(unix.GPIO_V2_GET_LINE_IOCTL), uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return -1, fmt.Errorf("gpio: request line %d on %s: %w", req.Offsets[0], c.path, errno)
	}
	return int(req.Fd), nil
}

func (c *chipBackend) OpenOutput(pin int, activeLow bool) (Line, error) {
	req := unix.GpioV2LineRequest{Num_lines: 1}
	req.Offsets[0] = uint32(pin)
	req.Config.Flags = unix.GPIO_V2_LINE_FLAG_OUTPUT
	if activeLow {
		req.Config.Flags |= unix.GPIO_V2_LINE_FLAG_ACTIVE_LOW
	}
	fd, err := c.requestLine(&req)
	if err != nil {
		return nil, err
	}
	l := &chipLine{fd: fd, pin: pin}
	// Lines start logically off regardless of prior state.
	if err := l.Set(false); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func (c *chipBackend) OpenInput(pin int, pullUp bool, onAssert func()) (InputLine, error) {
	req := unix.GpioV2LineRequest{Num_lines: 1}
	req.Offsets[0] = uint32(pin)
	req.Config.Flags = unix.GPIO_V2_LINE_FLAG_INPUT | unix.GPIO_V2_LINE_FLAG_EDGE_RISING
	if pullUp {
		// Pulled-up sensors assert by pulling the line low; invert so
		// the rising logical edge is the assertion.
		req.Config.Flags |= unix.GPIO_V2_LINE_FLAG_BIAS_PULL_UP | unix.GPIO_V2_LINE_FLAG_ACTIVE_LOW
	} else {
		req.Config.Flags |= unix.GPIO_V2_LINE_FLAG_BIAS_PULL_DOWN
	}
	req.Config.Num_attrs = 1
	req.Config.Attrs[0].Mask = 1
	req.Config.Attrs[0].Attr.Id = unix.GPIO_V2_LINE_ATTR_ID_DEBOUNCE
	*(*uint32)(unsafe.Pointer(&req.Config.Attrs[0].Attr.Union[0])) = winDebounceUs

	fd, err := c.requestLine(&req)
	if err != nil {
		return nil, err
	}
	in := &chipInput{fd: fd, pin: pin}
	go in.readLoop(onAssert)
	return in, nil
}

// chipLine is one claimed output line.
type chipLine struct {
	fd  int
	pin int

	mu     sync.Mutex
	closed bool
}

func (l *chipLine) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("gpio: pin %d: line closed", l.pin)
	}
	values := unix.GpioV2LineValues{Mask: 1}
	if on {
		values.Bits = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd),
		uintptr(unix.GPIO_V2_LINE_SET_VALUES_IOCTL), uintptr(unsafe.Pointer(&values)))
	if errno != 0 {
		return fmt.Errorf("gpio: set pin %d: %w", l.pin, errno)
	}
	return nil
}

func (l *chipLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

// chipInput is one claimed edge-monitored input line.
type chipInput struct {
	fd  int
	pin int

	mu     sync.Mutex
	closed bool
}

func (in *chipInput) readLoop(onAssert func()) {
	logger := log.WithComponent("gpio")
	eventSize := int(unsafe.Sizeof(unix.GpioV2LineEvent{}))
	buf := make([]byte, eventSize*16)
	for {
		n, err := unix.Read(in.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			in.mu.Lock()
			closed := in.closed
			in.mu.Unlock()
			if !closed {
				logger.Error().
					Err(err).
					Str("event", "gpio.input_read_failed").
					Int(log.FieldPin, in.pin).
					Msg("win sensor read loop stopped")
			}
			return
		}
		for off := 0; off+eventSize <= n; off += eventSize {
			ev := (*unix.GpioV2LineEvent)(unsafe.Pointer(&buf[off]))
			if ev.Id == unix.GPIO_V2_LINE_EVENT_RISING_EDGE {
				onAssert()
			}
		}
	}
}

func (in *chipInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	return unix.Close(in.fd)
}
