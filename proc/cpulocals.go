// Package proc implements threads, the per-cpu round-robin scheduler,
// affinity migration via per-cpu stopper threads, the futex primitive,
// and the user-level synchronization library built on it.
package proc

import "bytes"
import "container/list"
import "runtime"
import "strconv"
import "sync"

import "github.com/nobodyknowsthat/storpu/bitmap"

// Cpu_t is the per-cpu state: the run queue, the currently running
// thread, the idle and stopper threads, and the reschedule doorbell.
type Cpu_t struct {
	id int

	rq rq_t

	current *Thread_t
	prev    *Thread_t
	idle    *Thread_t

	stopper stopper_t

	reschedch chan struct{}
}

type rq_t struct {
	sync.Mutex
	q *list.List
}

var cpus []*Cpu_t

// Cpuonline and Cpupossible are the global cpu masks.
var Cpuonline bitmap.Cpumask_t
var Cpupossible bitmap.Cpumask_t

// Ncpu returns the number of online cpus.
func Ncpu() int {
	return len(cpus)
}

// Cpu returns the per-cpu state for cpu.
func Cpu(cpu int) *Cpu_t {
	return cpus[cpu]
}

// The C runtime reads the current thread from a register written on
// every context switch. Stock Go has no TLS, so the runtime keeps a
// registry keyed by goroutine id instead; each thread's goroutine
// registers itself once at birth.
var curthreads sync.Map

func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [...":
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("bad stack header")
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		panic("bad goroutine id")
	}
	return id
}

// Current returns the thread running on this goroutine, or nil when
// called from outside the scheduler (the FTL world).
func Current() *Thread_t {
	v, ok := curthreads.Load(goid())
	if !ok {
		return nil
	}
	return v.(*Thread_t)
}

func setcurrent(t *Thread_t) {
	curthreads.Store(goid(), t)
}

func clearcurrent() {
	curthreads.Delete(goid())
}

func mycpuid() int {
	if t := Current(); t != nil {
		return int(t.cpu.Load())
	}
	return -1
}

// Set_current_state updates the calling thread's state.
func Set_current_state(state uint32) {
	Current().state.Store(state)
}
