package irqchip

import "example.com/hypercore/internal/hverr"

func newInvalidArgument(format string, args ...any) error {
	return hverr.New(hverr.InvalidArgument, format, args...)
}

func newNotFound(format string, args ...any) error {
	return hverr.New(hverr.NotFound, format, args...)
}

func newOutOfMemory(format string, args ...any) error {
	return hverr.New(hverr.OutOfMemory, format, args...)
}
