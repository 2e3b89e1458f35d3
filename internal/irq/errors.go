package irq

import "example.com/hypercore/internal/hverr"

func newInvalidArgument(format string, args ...any) error {
	return hverr.New(hverr.InvalidArgument, format, args...)
}

func newInvalidState(format string, args ...any) error {
	return hverr.New(hverr.InvalidState, format, args...)
}

func newNotFound(format string, args ...any) error {
	return hverr.New(hverr.NotFound, format, args...)
}

func newResourceBusy(format string, args ...any) error {
	return hverr.New(hverr.ResourceBusy, format, args...)
}
