package proc

import "runtime"
import "sync"
import "sync/atomic"

import "github.com/nobodyknowsthat/storpu/bitmap"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/idr"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"
import "github.com/nobodyknowsthat/storpu/vm"

// Thread states.
const (
	THREAD_RUNNING  uint32 = 0x000
	THREAD_BLOCKED  uint32 = 0x001
	THREAD_EXITING  uint32 = 0x002
	THREAD_DEAD     uint32 = 0x004
	THREAD_WAKING   uint32 = 0x008
	THREAD_REAPABLE uint32 = 0x010
)

// Run queue membership.
const (
	ONRQ_QUEUED    int32 = 1
	ONRQ_MIGRATING int32 = 2
)

// THREAD_STACK_MIN is the smallest guest stack allocated for a thread.
const THREAD_STACK_MIN = 0x2000

// MAXFREETHREAD caps the recycled thread record pool.
const MAXFREETHREAD = 128

// Proc_t is a thread entry function.
type Proc_t func(arg uintptr) uintptr

// Task_i is the back-pointer a thread carries to the task that spawned
// it; the reaper posts the completion through it.
type Task_i interface {
	Reapfinish(result uintptr)
}

// Attr_t configures a thread's stack.
type Attr_t struct {
	Stacksize int
	Stackaddr mem.Pa_t
}

// Thread_t is one schedulable thread.
type Thread_t struct {
	Id    defs.Tid_t
	state atomic.Uint32
	attr  Attr_t

	// park is the register-context of the re-cast context switch: the
	// thread's goroutine blocks here whenever it is switched out.
	park  chan struct{}
	dying bool

	Vmctx  *vm.Ctx_t
	Tlstcb uintptr

	rqel   *listel_t
	waitel *listel_t

	exited Cond_t
	exitm  Mutex_t

	proc   Proc_t
	arg    uintptr
	result uintptr

	Task Task_i

	pilock  sync.Mutex
	cpu     atomic.Int32
	wakecpu int32
	oncpu   atomic.Int32
	onrq    atomic.Int32

	cpusmask  bitmap.Cpumask_t
	migration *pending_t

	stackpa  mem.Pa_t
	stacklen int
}

// Statename returns the raw thread state word; test support.
func (t *Thread_t) Statename() uint32 {
	return t.state.Load()
}

// Cpuid returns the cpu the thread last ran or will run on.
func (t *Thread_t) Cpuid() int {
	return int(t.cpu.Load())
}

var tidrlock Rwlock_t
var tidr *idr.Idr_t

var freelock sync.Mutex
var freethreads []*Thread_t

// Thread_init resets the thread table and the free pool. Called once
// at boot.
func Thread_init() {
	tidr = idr.Mkidr(128)
	freethreads = nil
}

// Thread_find looks up a thread by id.
func Thread_find(tid defs.Tid_t) *Thread_t {
	tidrlock.Rdlock()
	defer tidrlock.Unlock()

	v, ok := tidr.Find(int32(tid))
	if !ok {
		return nil
	}
	return v.(*Thread_t)
}

// reinit clears every field in place; the record embeds locks, so it
// is never reset by struct assignment.
func (t *Thread_t) reinit() {
	t.Id = defs.NO_THREAD
	t.state.Store(THREAD_DEAD)
	t.attr = Attr_t{}
	t.park = nil
	t.dying = false
	t.Vmctx = nil
	t.Tlstcb = 0
	t.rqel = nil
	t.waitel = nil
	atomic.StoreUint32(&t.exited.state, 0)
	t.exited.futex.waiters.Init()
	atomic.StoreUint32(&t.exitm.state, 0)
	t.exitm.futex.waiters.Init()
	t.proc = nil
	t.arg = 0
	t.result = 0
	t.Task = nil
	t.cpu.Store(0)
	t.wakecpu = 0
	t.oncpu.Store(0)
	t.onrq.Store(0)
	t.cpusmask.Clear()
	t.migration = nil
	t.stackpa = 0
	t.stacklen = 0
}

func threadreset(t *Thread_t) {
	if t.Vmctx != nil {
		vm.Put_context(t.Vmctx)
		t.Vmctx = nil
	}

	if t.attr.Stackaddr == 0 && t.stackpa != 0 {
		mem.Physmem.Free_mem(t.stackpa, t.stacklen)
	}

	t.reinit()
}

func threadfree(t *Thread_t) {
	freelock.Lock()
	if len(freethreads) < MAXFREETHREAD {
		freethreads = append(freethreads, t)
	}
	freelock.Unlock()
}

func threadalloc() *Thread_t {
	freelock.Lock()
	defer freelock.Unlock()
	if n := len(freethreads); n > 0 {
		t := freethreads[n-1]
		freethreads = freethreads[:n-1]
		return t
	}
	return &Thread_t{}
}

func threadinitcontext(t *Thread_t, ctx *vm.Ctx_t, task Task_i, attr *Attr_t,
	cpu int, proc Proc_t, arg uintptr) int {
	t.reinit()

	tidrlock.Wrlock()
	t.Id = defs.Tid_t(tidr.Alloc(t))
	tidrlock.Unlock()

	t.state.Store(THREAD_DEAD)
	if ctx != nil {
		t.Vmctx = vm.Get_context(ctx)
	}
	t.Task = task
	t.proc = proc
	t.arg = arg

	if attr != nil {
		t.attr = *attr
	} else {
		t.attr = Attr_t{Stacksize: THREAD_STACK_MIN}
	}

	abort := func(r int) int {
		tidrlock.Wrlock()
		tidr.Remove(int32(t.Id))
		tidrlock.Unlock()
		threadreset(t)
		return r
	}

	stacksize := t.attr.Stacksize
	if stacksize < THREAD_STACK_MIN {
		stacksize = THREAD_STACK_MIN
		t.attr.Stackaddr = 0
	}

	if t.attr.Stackaddr == 0 {
		stacksize = util.Roundup(stacksize, mem.PGSIZE)
		pa, ok := mem.Physmem.Alloc_pages(stacksize>>mem.PGSHIFT, defs.ZONE_PS_DDR)
		if !ok {
			return abort(int(defs.ENOMEM))
		}
		t.stackpa = pa
		t.stacklen = stacksize
	} else {
		t.stackpa = t.attr.Stackaddr
		t.stacklen = stacksize
	}

	if ctx != nil {
		tcb, r := ctx.Alloctls()
		if r != 0 {
			return abort(r)
		}
		t.Tlstcb = tcb
	}

	t.cpu.Store(int32(cpu))
	t.wakecpu = int32(cpu)
	t.cpusmask.Copyfrom(&Cpupossible)

	t.park = make(chan struct{}, 1)
	go t.tramp()

	Wake_up_new(t)

	return 0
}

// Thread_create_on_cpu builds a thread in ctx bound initially to cpu.
func Thread_create_on_cpu(ctx *vm.Ctx_t, task Task_i, attr *Attr_t, cpu int,
	proc Proc_t, arg uintptr) (*Thread_t, int) {
	if proc == nil {
		return nil, int(defs.EINVAL)
	}

	t := threadalloc()
	if r := threadinitcontext(t, ctx, task, attr, cpu, proc, arg); r != 0 {
		threadfree(t)
		return nil, r
	}
	return t, 0
}

// Thread_create builds a thread on the calling cpu.
func Thread_create(ctx *vm.Ctx_t, task Task_i, attr *Attr_t, proc Proc_t,
	arg uintptr) (*Thread_t, int) {
	cpu := mycpuid()
	if cpu < 0 {
		cpu = 0
	}
	return Thread_create_on_cpu(ctx, task, attr, cpu, proc, arg)
}

func threadstop(t *Thread_t) {
	if t.state.Load() == THREAD_DEAD {
		return
	}

	if t != Current() {
		// the exiting thread may still be switching away; its record
		// must not be recycled until it has dropped the cpu
		for t.oncpu.Load() != 0 {
			runtime.Gosched()
		}

		tidrlock.Wrlock()
		tidr.Remove(int32(t.Id))
		tidrlock.Unlock()

		threadreset(t)
		threadfree(t)
	}
}

// Thread_exit ends the calling thread. FTL-spawned threads become
// reapable and post their completion from the scheduler epilogue;
// joinable threads signal their exit condvar. Does not return.
func Thread_exit(result uintptr) {
	t := Current()

	st := t.state.Load()
	if st == THREAD_EXITING || st == THREAD_REAPABLE {
		return
	}

	if t.Task != nil {
		t.result = result
		t.state.Store(THREAD_REAPABLE)
	} else {
		t.exitm.Lock()
		t.result = result
		t.state.Store(THREAD_EXITING)
		t.exited.Signal()
		t.exitm.Unlock()
	}

	t.dying = true
	Schedule()
}

// Thread_join waits for t to exit and returns its result.
func Thread_join(t *Thread_t, value *uintptr) int {
	if t == nil {
		return int(defs.EINVAL)
	}
	if t == Current() {
		return int(defs.EDEADLK)
	}
	if t.state.Load() == THREAD_DEAD {
		return int(defs.ESRCH)
	}

	t.exitm.Lock()
	for t.state.Load() != THREAD_EXITING {
		t.exited.Wait(&t.exitm)
	}
	t.exitm.Unlock()

	if value != nil {
		*value = t.result
	}

	threadstop(t)
	return 0
}

// Thread_reap recycles an FTL-spawned thread after its final switch
// away and posts the completion for the task that spawned it.
func Thread_reap(t *Thread_t) {
	if t.state.Load() != THREAD_REAPABLE {
		panic("reap of non-reapable thread")
	}
	if t == Current() {
		panic("reap of current thread")
	}
	if t.Task == nil {
		panic("reap of taskless thread")
	}

	task := t.Task
	result := t.result

	threadstop(t)

	task.Reapfinish(result)
}

func (t *Thread_t) tramp() {
	<-t.park
	setcurrent(t)
	finishswitch(cpus[t.cpu.Load()])

	result := t.proc(t.arg)
	Thread_exit(result)
}
