package irq

import (
	"sync/atomic"

	"example.com/hypercore/internal/syncutil"
)

const maxExceptions = 64

// ExceptionKind classifies a synchronous trap the host CPU itself takes,
// distinct from the asynchronous IRQs routed through Manager. Grounded on
// original_source/core/irq/exception.rs's ExceptionKind.
type ExceptionKind int

const (
	ExceptionReset ExceptionKind = iota
	ExceptionUndefinedInstruction
	ExceptionSupervisorCall
	ExceptionPrefetchAbort
	ExceptionDataAbort
	ExceptionHypervisorCall
	ExceptionIRQ
	ExceptionFIQ
	ExceptionSystemCall
	ExceptionPageFault
	ExceptionGeneralProtectionFault
)

// Disposition is a handler's verdict on how execution should continue
// after an exception. Grounded on exception.rs's ExceptionDisposition.
type Disposition int

const (
	DispositionResume Disposition = iota
	DispositionSkipInstruction
	DispositionTerminate
	DispositionPanic
	DispositionInjectGuest
	DispositionEmulate
	DispositionRetry
)

// ExceptionContext is the state visible to a handler while it runs, and via
// CurrentContext() for the duration of that call.
type ExceptionContext struct {
	Kind          ExceptionKind
	FaultAddr     uint64
	FaultingPC    uint64
	SyndromeValue uint64
	Depth         int
}

// ExceptionHandlerFunc is invoked synchronously for the matching exception
// number; its return value selects the disposition.
type ExceptionHandlerFunc func(ctx *ExceptionContext) Disposition

type exceptionDescriptor struct {
	kind    ExceptionKind
	handler ExceptionHandlerFunc
}

// ExceptionManager is the vector table for host-CPU synchronous exceptions:
// up to maxExceptions descriptors keyed by exception number, a nesting
// depth counter (exceptions can fault while handling another exception),
// and the context of whichever handler is currently running.
type ExceptionManager struct {
	mu syncutil.SpinLock

	descriptors [maxExceptions]*exceptionDescriptor

	depth           int32
	maxDepthSeen    int32
	currentContext  *ExceptionContext
}

// NewExceptionManager returns an empty exception vector table.
func NewExceptionManager() *ExceptionManager {
	return &ExceptionManager{}
}

// RegisterException installs handler for exception number n.
func (m *ExceptionManager) RegisterException(n int, kind ExceptionKind, handler ExceptionHandlerFunc) error {
	if n < 0 || n >= maxExceptions {
		return newInvalidArgument("irq: exception number %d exceeds the %d-entry vector table", n, maxExceptions)
	}
	if handler == nil {
		return newInvalidArgument("irq: exception %d registered with a nil handler", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptors[n] = &exceptionDescriptor{kind: kind, handler: handler}
	return nil
}

// UnregisterException removes exception number n's handler.
func (m *ExceptionManager) UnregisterException(n int) error {
	if n < 0 || n >= maxExceptions {
		return newInvalidArgument("irq: exception number %d exceeds the %d-entry vector table", n, maxExceptions)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descriptors[n] == nil {
		return newNotFound("irq: exception %d has no registered handler", n)
	}
	m.descriptors[n] = nil
	return nil
}

// CurrentContext returns the context of whichever exception handler is
// currently executing on this manager, or nil if none is.
func (m *ExceptionManager) CurrentContext() *ExceptionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentContext
}

// Depth returns the current nesting depth: 0 outside any handler, 1 inside
// the outermost, 2+ when an exception fires while handling another.
func (m *ExceptionManager) Depth() int { return int(atomic.LoadInt32(&m.depth)) }

// MaxDepthSeen returns the highest nesting depth ever observed.
func (m *ExceptionManager) MaxDepthSeen() int { return int(atomic.LoadInt32(&m.maxDepthSeen)) }

// Dispatch invokes exception number n's handler with ctx, tracking nesting
// depth around the call and exposing ctx via CurrentContext while it runs.
// A fault with no registered handler is reported NotFound rather than
// silently resuming, since an un-handled synchronous exception must not be
// mistaken for success by the caller.
func (m *ExceptionManager) Dispatch(n int, ctx *ExceptionContext) (Disposition, error) {
	if n < 0 || n >= maxExceptions {
		return DispositionPanic, newInvalidArgument("irq: exception number %d exceeds the %d-entry vector table", n, maxExceptions)
	}

	m.mu.Lock()
	desc := m.descriptors[n]
	if desc == nil {
		m.mu.Unlock()
		return DispositionPanic, newNotFound("irq: exception %d has no registered handler", n)
	}
	prevContext := m.currentContext
	ctx.Kind = desc.kind
	depth := atomic.AddInt32(&m.depth, 1)
	ctx.Depth = int(depth)
	if depth > atomic.LoadInt32(&m.maxDepthSeen) {
		atomic.StoreInt32(&m.maxDepthSeen, depth)
	}
	m.currentContext = ctx
	m.mu.Unlock()

	disposition := desc.handler(ctx)

	m.mu.Lock()
	m.currentContext = prevContext
	m.mu.Unlock()
	atomic.AddInt32(&m.depth, -1)

	return disposition, nil
}
