package sched

import "example.com/hypercore/internal/hverr"

func newInvalidArgument(format string, args ...any) error {
	return hverr.New(hverr.InvalidArgument, format, args...)
}

func newNotFound(format string, args ...any) error {
	return hverr.New(hverr.NotFound, format, args...)
}

func newResourceUnavailable(format string, args ...any) error {
	return hverr.New(hverr.ResourceUnavailable, format, args...)
}

func newInvalidState(format string, args ...any) error {
	return hverr.New(hverr.InvalidState, format, args...)
}
