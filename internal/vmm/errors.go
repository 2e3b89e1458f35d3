package vmm

import "example.com/hypercore/internal/hverr"

func newInvalidArgument(format string, args ...any) error {
	return hverr.New(hverr.InvalidArgument, format, args...)
}

func newNotFound(format string, args ...any) error {
	return hverr.New(hverr.NotFound, format, args...)
}

func newInvalidState(format string, args ...any) error {
	return hverr.New(hverr.InvalidState, format, args...)
}

func newResourceBusy(format string, args ...any) error {
	return hverr.New(hverr.ResourceBusy, format, args...)
}

func newResourceUnavailable(format string, args ...any) error {
	return hverr.New(hverr.ResourceUnavailable, format, args...)
}

func newNotImplemented(format string, args ...any) error {
	return hverr.New(hverr.NotImplemented, format, args...)
}
