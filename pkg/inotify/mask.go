package inotify

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Inotify event and watch flags.
const (
	InAccess        = unix.IN_ACCESS
	InModify        = unix.IN_MODIFY
	InAttrib        = unix.IN_ATTRIB
	InCloseWrite    = unix.IN_CLOSE_WRITE
	InCloseNowrite  = unix.IN_CLOSE_NOWRITE
	InOpen          = unix.IN_OPEN
	InMovedFrom     = unix.IN_MOVED_FROM
	InMovedTo       = unix.IN_MOVED_TO
	InCreate        = unix.IN_CREATE
	InDelete        = unix.IN_DELETE
	InDeleteSelf    = unix.IN_DELETE_SELF
	InMoveSelf      = unix.IN_MOVE_SELF
	InUnmount       = unix.IN_UNMOUNT
	InQueueOverflow = unix.IN_Q_OVERFLOW
	InIgnored       = unix.IN_IGNORED
	InIsDir         = unix.IN_ISDIR
	InMaskAdd       = unix.IN_MASK_ADD
)

// maskNames maps individual flags to their inotify names, in the order in
// which they're rendered.
var maskNames = []struct {
	flag uint32
	name string
}{
	{InAccess, "IN_ACCESS"},
	{InModify, "IN_MODIFY"},
	{InAttrib, "IN_ATTRIB"},
	{InCloseWrite, "IN_CLOSE_WRITE"},
	{InCloseNowrite, "IN_CLOSE_NOWRITE"},
	{InOpen, "IN_OPEN"},
	{InMovedFrom, "IN_MOVED_FROM"},
	{InMovedTo, "IN_MOVED_TO"},
	{InCreate, "IN_CREATE"},
	{InDelete, "IN_DELETE"},
	{InDeleteSelf, "IN_DELETE_SELF"},
	{InMoveSelf, "IN_MOVE_SELF"},
	{InUnmount, "IN_UNMOUNT"},
	{InQueueOverflow, "IN_Q_OVERFLOW"},
	{InIgnored, "IN_IGNORED"},
	{InIsDir, "IN_ISDIR"},
}

// MaskString renders an event mask as a pipe-separated list of inotify flag
// names, e.g. "IN_CREATE|IN_ISDIR".
func MaskString(mask uint32) string {
	var names []string
	for _, entry := range maskNames {
		if mask&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, "|")
}
