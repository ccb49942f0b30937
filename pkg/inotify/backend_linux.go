package inotify

import (
	"bytes"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// readBufferSize is the size of the buffer used to read inotify events.
	// It can hold at least 64 maximum-length events.
	readBufferSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)
)

// unixBackend implements backend using a single inotify instance and a wake
// pipe used to interrupt polling.
type unixBackend struct {
	// fd is the inotify descriptor.
	fd int
	// wakeRead is the read end of the wake pipe.
	wakeRead int
	// wakeWrite is the write end of the wake pipe.
	wakeWrite int
	// buffer is the event read buffer.
	buffer []byte
}

// newUnixBackend creates a new inotify instance.
func newUnixBackend() (*unixBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize inotify")
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to create wake pipe")
	}
	return &unixBackend{
		fd:        fd,
		wakeRead:  pipe[0],
		wakeWrite: pipe[1],
		buffer:    make([]byte, readBufferSize),
	}, nil
}

// addWatch implements backend.addWatch.
func (b *unixBackend) addWatch(path string, mask uint32) (int, error) {
	return unix.InotifyAddWatch(b.fd, path, mask)
}

// rmWatch implements backend.rmWatch.
func (b *unixBackend) rmWatch(wd int) error {
	_, err := unix.InotifyRmWatch(b.fd, uint32(wd))
	return err
}

// wake implements backend.wake.
func (b *unixBackend) wake() {
	unix.Write(b.wakeWrite, []byte{0})
}

// drainWake empties the wake pipe.
func (b *unixBackend) drainWake() {
	var scratch [64]byte
	for {
		if n, err := unix.Read(b.wakeRead, scratch[:]); n <= 0 || err != nil {
			return
		}
	}
}

// read implements backend.read.
func (b *unixBackend) read(timeout time.Duration) ([]rawEvent, error) {
	// Wait for readability of either descriptor.
	descriptors := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.wakeRead), Events: unix.POLLIN},
	}
	ready, err := unix.Poll(descriptors, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to poll inotify descriptor")
	} else if ready == 0 {
		return nil, nil
	}
	if descriptors[1].Revents&unix.POLLIN != 0 {
		b.drainWake()
	}
	if descriptors[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}

	// Read the available events.
	n, err := unix.Read(b.fd, b.buffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to read inotify events")
	} else if n < unix.SizeofInotifyEvent {
		return nil, errors.New("short inotify read")
	}

	// Decode the events.
	var events []rawEvent
	for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b.buffer[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > n {
			return events, errors.New("truncated inotify event")
		}
		events = append(events, rawEvent{
			wd:   int(raw.Wd),
			mask: raw.Mask,
			name: string(bytes.TrimRight(b.buffer[nameStart:nameEnd], "\x00")),
		})
		offset = nameEnd
	}
	return events, nil
}

// close implements backend.close.
func (b *unixBackend) close() error {
	unix.Close(b.wakeRead)
	unix.Close(b.wakeWrite)
	return unix.Close(b.fd)
}
