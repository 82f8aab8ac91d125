// Package watch wraps the raw inotify syscalls used by the Inbound
// Dispatcher and Job Engine spools: both block up to a short timeout on an
// inotify file descriptor, then drain whatever create/move-in/close-write
// events arrived. It intentionally stays below any convenience library: a
// single file descriptor, a watch descriptor-to-directory table, and raw
// buffer parsing, in the same direct-syscall spirit as the advisory lock
// in jobstate.Open.
package watch

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Event is one parsed inotify event, resolved back to the directory it
// belongs to (inotify itself only reports a watch descriptor and a
// basename).
type Event struct {
	Dir  string
	Name string
	Mask uint32
}

// eventMask is the set of events the dispatcher and job engine spools care
// about: a file appearing by create, by rename-into, or finishing a write.
const eventMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE

const eventHeaderSize = 16 // wd int32, mask uint32, cookie uint32, len uint32

// Watcher is a single inotify instance that can watch several directories.
type Watcher struct {
	fd int

	mu sync.Mutex
	wd map[int32]string
}

// New opens a non-blocking inotify instance.
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify_init1: %w", err)
	}
	return &Watcher{fd: fd, wd: make(map[int32]string)}, nil
}

// AddDir arms a watch on path for create/move-in/close-write events.
func (w *Watcher) AddDir(path string) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, eventMask)
	if err != nil {
		return fmt.Errorf("watch: inotify_add_watch %s: %w", path, err)
	}
	w.mu.Lock()
	w.wd[int32(wd)] = path
	w.mu.Unlock()
	return nil
}

// Close releases the inotify file descriptor.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	return unix.Close(w.fd)
}

// Wait blocks up to timeoutMillis milliseconds for the descriptor to
// become readable. Returns false (no error) on timeout.
func (w *Watcher) Wait(timeoutMillis int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("watch: poll: %w", err)
	}
	return n > 0, nil
}

// Read drains and parses whatever inotify events are currently queued.
// Returns a nil slice, nil error when nothing is available.
func (w *Watcher) Read() ([]Event, error) {
	const maxNameLen = 4096
	buf := make([]byte, 64*(eventHeaderSize+maxNameLen))
	n, err := unix.Read(w.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("watch: read: %w", err)
	}

	var events []Event
	offset := 0
	for offset+eventHeaderSize <= n {
		raw := buf[offset : offset+eventHeaderSize]
		wd := int32(binary.LittleEndian.Uint32(raw[0:4]))
		mask := binary.LittleEndian.Uint32(raw[4:8])
		nameLen := int(binary.LittleEndian.Uint32(raw[12:16]))

		nameStart := offset + eventHeaderSize
		nameEnd := nameStart + nameLen
		if nameEnd > n {
			break
		}
		name := ""
		if nameLen > 0 {
			name = cString(buf[nameStart:nameEnd])
		}

		w.mu.Lock()
		dir := w.wd[wd]
		w.mu.Unlock()

		events = append(events, Event{Dir: dir, Name: name, Mask: mask})
		offset = nameEnd
	}
	return events, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
