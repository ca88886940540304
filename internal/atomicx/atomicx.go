// Package atomicx wraps the handful of sync/atomic operations the index
// structures use for lock-free publication, named after their role in the
// protocol: writers Publish fully initialised memory with a single store,
// readers Consume it with a single load. Keeping the call sites explicit
// makes every ordered access auditable.
package atomicx

import (
	"sync/atomic"
	"unsafe"
)

// ConsumePtr loads a published pointer slot.
func ConsumePtr(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

// PublishPtr stores p into a shared pointer slot. All stores initialising
// *p must precede this call.
func PublishPtr(addr *unsafe.Pointer, p unsafe.Pointer) {
	atomic.StorePointer(addr, p)
}

// ConsumeU32 loads a published counter or small value slot.
func ConsumeU32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// PublishU32 stores v into a shared counter or small value slot.
func PublishU32(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}
