package spu

import "github.com/nobodyknowsthat/storpu/bitmap"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/proc"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/vm"

// The guest syscall surface. Guests are Go functions bound to exported
// image symbols; the runtime resolves the calling thread from the
// goroutine it runs on, like the hardware resolves it from a register.

func curctx() *vm.Ctx_t {
	ctx := proc.Current().Vmctx
	if ctx == nil {
		panic("syscall without a vm context")
	}
	return ctx
}

// Sys_brk extends or shrinks the data region up to addr.
func Sys_brk(addr uintptr) defs.Err_t {
	return -defs.Err_t(curctx().Brk(addr))
}

// Sys_mmap maps a region and returns its user-visible address.
func Sys_mmap(addr uintptr, length uintptr, prot, flags, fd int,
	offset uintptr) (uintptr, defs.Err_t) {
	va, r := vm.Vm_map(curctx(), addr, length, prot, flags, fd, offset)
	return va, -defs.Err_t(r)
}

// Sys_munmap unmaps [addr, addr+length).
func Sys_munmap(addr uintptr, length uintptr) defs.Err_t {
	return -defs.Err_t(vm.Vm_unmap(curctx(), addr, length))
}

// Sys_msync writes back dirty pages of shared mappings in the range.
func Sys_msync(addr uintptr, length uintptr, flags int) defs.Err_t {
	return -defs.Err_t(curctx().Msync(addr, length, flags))
}

// Spu_thread_self returns the calling thread's id.
func Spu_thread_self() defs.Tid_t {
	return proc.Current().Id
}

// Spu_thread_create starts a thread in the calling context.
func Spu_thread_create(attr *proc.Attr_t, p proc.Proc_t, arg uintptr) (defs.Tid_t, defs.Err_t) {
	t, r := proc.Thread_create(proc.Current().Vmctx, nil, attr, p, arg)
	if r != 0 {
		return 0, -defs.EINVAL
	}
	return t.Id, 0
}

// Spu_thread_join waits for tid and stores its result.
func Spu_thread_join(tid defs.Tid_t, retval *uintptr) defs.Err_t {
	t := proc.Thread_find(tid)
	if t == nil {
		return -defs.ESRCH
	}
	return -defs.Err_t(proc.Thread_join(t, retval))
}

// Spu_thread_exit ends the calling thread.
func Spu_thread_exit(result uintptr) {
	proc.Thread_exit(result)
}

// Spu_sched_setaffinity restricts tid to the given cpu mask.
func Spu_sched_setaffinity(tid defs.Tid_t, mask *bitmap.Cpumask_t) defs.Err_t {
	t := proc.Thread_find(tid)
	if t == nil {
		return -defs.ESRCH
	}
	return -defs.Err_t(proc.Sched_setaffinity(t, mask))
}

// Spu_mutex_init initializes a guest mutex.
func Spu_mutex_init(m *proc.Mutex_t) defs.Err_t {
	m.Init()
	return 0
}

// Spu_mutex_trylock attempts the lock without blocking.
func Spu_mutex_trylock(m *proc.Mutex_t) defs.Err_t {
	if !m.Trylock() {
		return -defs.EBUSY
	}
	return 0
}

// Spu_mutex_lock blocks until the lock is held.
func Spu_mutex_lock(m *proc.Mutex_t) defs.Err_t {
	m.Lock()
	return 0
}

// Spu_mutex_unlock releases the lock.
func Spu_mutex_unlock(m *proc.Mutex_t) defs.Err_t {
	m.Unlock()
	return 0
}

// Guestfault_t is thrown by the must-access helpers when a guest
// access cannot be resolved by any region rule; the invoke wrapper
// terminates the faulting thread.
type Guestfault_t struct {
	Addr uintptr
}

// Userreadn reads an n byte value from guest memory.
func Userreadn(va uintptr, n int) (uint64, defs.Err_t) {
	return curctx().Userreadn(va, n)
}

// Userwriten writes an n byte value to guest memory.
func Userwriten(va uintptr, n int, val uint64) defs.Err_t {
	return curctx().Userwriten(va, n, val)
}

// Mustreadn is Userreadn for raw guest loads: an unresolvable fault
// terminates the guest thread.
func Mustreadn(va uintptr, n int) uint64 {
	v, err := curctx().Userreadn(va, n)
	if err != 0 {
		panic(Guestfault_t{Addr: va})
	}
	return v
}

// Mustwriten is Userwriten for raw guest stores.
func Mustwriten(va uintptr, n int, val uint64) {
	if err := curctx().Userwriten(va, n, val); err != 0 {
		panic(Guestfault_t{Addr: va})
	}
}

// guestproc wraps an image entry point so a guest fault kills only the
// faulting thread.
func guestproc(p vm.Guestproc_t) proc.Proc_t {
	return func(arg uintptr) uintptr {
		defer func() {
			if r := recover(); r != nil {
				gf, ok := r.(Guestfault_t)
				if !ok {
					panic(r)
				}
				Log.Warnf("guest thread %d killed: unresolvable fault at %#x",
					proc.Current().Id, gf.Addr)
				stats.K.Guestfault.Inc()
				proc.Thread_exit(^uintptr(0))
			}
		}()
		return p(arg)
	}
}
