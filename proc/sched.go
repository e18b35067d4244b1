package proc

import "container/list"
import "runtime"

import "github.com/nobodyknowsthat/storpu/bitmap"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/vm"

type listel_t = list.Element

// Sched_init sets up ncpu run queues and the global cpu masks.
func Sched_init(ncpu int) {
	if ncpu <= 0 || ncpu > defs.MAXCPUS {
		panic("bad cpu count")
	}
	cpus = make([]*Cpu_t, ncpu)
	Cpuonline.Clear()
	Cpupossible.Clear()
	for i := 0; i < ncpu; i++ {
		cpus[i] = &Cpu_t{
			id:        i,
			reschedch: make(chan struct{}, 1),
		}
		cpus[i].rq.q = list.New()
		cpus[i].stopper.works = list.New()
		Cpuonline.Setcpu(i)
		Cpupossible.Setcpu(i)
	}
}

// Start_cpus brings each cpu online: the idle thread starts running
// and the per-cpu stopper thread is created.
func Start_cpus() {
	for _, c := range cpus {
		idle := &Thread_t{Id: defs.MAIN_THREAD}
		idle.state.Store(THREAD_RUNNING)
		idle.cpu.Store(int32(c.id))
		idle.wakecpu = int32(c.id)
		idle.cpusmask = bitmap.Cpumask_of(c.id)
		idle.oncpu.Store(1)
		idle.park = make(chan struct{}, 1)

		c.idle = idle
		c.current = idle

		go idlerun(c, idle)
	}

	for _, c := range cpus {
		cpustopinitcpu(c)
	}
}

func activate(c *Cpu_t, t *Thread_t) {
	t.onrq.Store(ONRQ_QUEUED)
	t.rqel = c.rq.q.PushBack(t)
}

func deactivate(c *Cpu_t, t *Thread_t, sleep bool) {
	if sleep {
		t.onrq.Store(0)
	} else {
		t.onrq.Store(ONRQ_MIGRATING)
	}
	if t.rqel != nil {
		c.rq.q.Remove(t.rqel)
		t.rqel = nil
	}
}

// picknext returns the head of the run queue and requeues it at the
// tail for round robin, or nil when the queue is empty.
func picknext(c *Cpu_t) *Thread_t {
	el := c.rq.q.Front()
	if el == nil {
		return nil
	}
	next := el.Value.(*Thread_t)
	c.rq.q.Remove(el)
	next.rqel = c.rq.q.PushBack(next)
	return next
}

// contextswitch hands the cpu from prev to next. The run queue lock is
// passed across the switch and released by the incoming thread in
// finishswitch. A dying prev terminates its goroutine here.
func contextswitch(c *Cpu_t, prev, next *Thread_t) {
	next.oncpu.Store(1)

	if next.Vmctx != nil && prev.Vmctx != next.Vmctx {
		vm.Switch_context(c.id, next.Vmctx)
	}

	c.current = next
	c.prev = prev
	stats.K.Ctxswitch.Inc()

	if prev.dying {
		clearcurrent()
		next.park <- struct{}{}
		runtime.Goexit()
	}

	next.park <- struct{}{}
	<-prev.park

	// resumed, possibly on a different cpu
	finishswitch(cpus[prev.cpu.Load()])
}

// finishswitch is the post-switch epilogue run by the incoming thread:
// release the handed-over run queue, drop the previous thread's cpu
// claim, and reap it if it exited on an FTL task's behalf.
func finishswitch(c *Cpu_t) {
	prev := c.prev
	prev.oncpu.Store(0)
	c.rq.Unlock()

	if prev.state.Load() == THREAD_REAPABLE {
		Thread_reap(prev)
	}
}

// Schedule yields the cpu: a no-longer-running current is detached and
// the next queued thread (or idle) is switched in.
func Schedule() {
	t := Current()
	if t == nil {
		panic("schedule from outside the scheduler")
	}
	c := cpus[t.cpu.Load()]

	c.rq.Lock()

	if t.state.Load() != THREAD_RUNNING {
		deactivate(c, t, true)
	}

	next := picknext(c)
	if next == nil {
		next = c.idle
	}

	if next != t {
		contextswitch(c, t, next)
	} else {
		c.rq.Unlock()
	}
}

func idlerun(c *Cpu_t, t *Thread_t) {
	setcurrent(t)
	for {
		c.rq.Lock()
		empty := c.rq.q.Len() == 0
		c.rq.Unlock()

		if empty {
			<-c.reschedch
			continue
		}
		Schedule()
	}
}

func resched_curr(c *Cpu_t) {
	if c.id != mycpuid() {
		Send_resched(c.id)
	}
}

// threadrqlocknopi locks the run queue the thread currently belongs
// to, spinning out migration windows.
func threadrqlocknopi(t *Thread_t) *Cpu_t {
	for {
		c := cpus[t.cpu.Load()]
		c.rq.Lock()
		if c == cpus[t.cpu.Load()] && t.onrq.Load() != ONRQ_MIGRATING {
			return c
		}
		c.rq.Unlock()

		for t.onrq.Load() == ONRQ_MIGRATING {
			runtime.Gosched()
		}
	}
}

// threadrqlock is threadrqlocknopi with the pi-lock held first.
func threadrqlock(t *Thread_t) *Cpu_t {
	for {
		t.pilock.Lock()
		c := cpus[t.cpu.Load()]
		c.rq.Lock()
		if c == cpus[t.cpu.Load()] && t.onrq.Load() != ONRQ_MIGRATING {
			return c
		}
		c.rq.Unlock()
		t.pilock.Unlock()

		for t.onrq.Load() == ONRQ_MIGRATING {
			runtime.Gosched()
		}
	}
}

func set_thread_cpu(t *Thread_t, cpu int) {
	t.cpu.Store(int32(cpu))
	t.wakecpu = int32(cpu)
}

// Wake_up_new makes a freshly created thread runnable on its cpu.
func Wake_up_new(t *Thread_t) {
	t.pilock.Lock()
	t.state.Store(THREAD_RUNNING)

	c := threadrqlocknopi(t)
	activate(c, t)
	resched_curr(c)

	c.rq.Unlock()
	t.pilock.Unlock()
}

func ttwu_runnable(t *Thread_t) bool {
	c := threadrqlocknopi(t)
	r := false
	if t.onrq.Load() == ONRQ_QUEUED {
		t.state.Store(THREAD_RUNNING)
		r = true
	}
	c.rq.Unlock()
	return r
}

func ttwu_queue(t *Thread_t, cpu int) {
	c := cpus[cpu]

	c.rq.Lock()
	activate(c, t)
	resched_curr(c)
	t.state.Store(THREAD_RUNNING)
	c.rq.Unlock()
}

func try_to_wake_up(t *Thread_t, statemask uint32) bool {
	if t == Current() {
		if t.state.Load()&statemask == 0 {
			return false
		}
		t.state.Store(THREAD_RUNNING)
		return true
	}

	t.pilock.Lock()
	defer t.pilock.Unlock()

	if t.state.Load()&statemask == 0 {
		return false
	}

	if t.onrq.Load() != 0 && ttwu_runnable(t) {
		return true
	}

	t.state.Store(THREAD_WAKING)

	// wait for the target to finish switching off its old cpu
	for t.oncpu.Load() != 0 {
		runtime.Gosched()
	}

	cpu := int(t.wakecpu)
	if int(t.cpu.Load()) != cpu {
		set_thread_cpu(t, cpu)
	}

	ttwu_queue(t, cpu)
	return true
}

// Wake_up_thread transitions a blocked thread to running, queueing it
// on its wake cpu and kicking that cpu if remote.
func Wake_up_thread(t *Thread_t) bool {
	return try_to_wake_up(t, THREAD_BLOCKED)
}

// Send_resched rings cpu's reschedule doorbell.
func Send_resched(cpu int) {
	stats.K.Reschedipi.Inc()
	select {
	case cpus[cpu].reschedch <- struct{}{}:
	default:
	}
}

type migarg_t struct {
	thread  *Thread_t
	destcpu int
	pending *pending_t
}

type pending_t struct {
	stoppending bool
	done        Completion_t
	arg         migarg_t
	work        Stopwork_t
}

// movequeued moves a queued thread to newcpu's run queue, returning
// with newcpu's lock held in place of the old one.
func movequeued(c *Cpu_t, t *Thread_t, newcpu int) *Cpu_t {
	deactivate(c, t, false)
	set_thread_cpu(t, newcpu)
	c.rq.Unlock()

	c2 := cpus[newcpu]
	c2.rq.Lock()
	activate(c2, t)
	resched_curr(c2)

	return c2
}

// migration_cpu_stop runs on the stopper of the thread's (believed)
// cpu: move the thread toward its destination, or chase it to the cpu
// it moved to in the meantime.
func migration_cpu_stop(data any) int {
	arg := data.(*migarg_t)
	pending := arg.pending
	t := arg.thread
	me := Current()
	c := cpus[me.cpu.Load()]

	complete := false

	t.pilock.Lock()
	c.rq.Lock()

	if cpus[t.cpu.Load()] == c {
		done := false
		if pending != nil {
			t.migration = nil
			complete = true
			if t.cpusmask.Testcpu(int(t.cpu.Load())) {
				done = true
			}
		}

		if !done {
			if t.onrq.Load() == ONRQ_QUEUED {
				c = movequeued(c, t, arg.destcpu)
			} else {
				t.wakecpu = int32(arg.destcpu)
			}
		}
	} else if pending != nil {
		if t.cpusmask.Testcpu(int(t.cpu.Load())) {
			t.migration = nil
			complete = true
		} else {
			c.rq.Unlock()
			t.pilock.Unlock()
			stop_one_cpu_nowait(int(t.cpu.Load()), migration_cpu_stop,
				&pending.arg, &pending.work)
			return 0
		}
	}

	if pending != nil {
		pending.stoppending = false
	}
	c.rq.Unlock()
	t.pilock.Unlock()

	if complete {
		pending.done.Complete_all()
	}

	return 0
}

// affinemove coordinates moving t toward destcpu. Called with the
// pi-lock and rq lock held; both are released before returning. The
// originator blocks until a stopper (or this path) signals done.
func affinemove(c *Cpu_t, t *Thread_t, destcpu int) int {
	if t.cpusmask.Testcpu(int(t.cpu.Load())) {
		pending := t.migration
		complete := false
		if pending != nil && !pending.stoppending {
			t.migration = nil
			complete = true
		}

		c.rq.Unlock()
		t.pilock.Unlock()

		if complete {
			pending.done.Complete_all()
		}
		return 0
	}

	var mypending pending_t
	if t.migration == nil {
		mypending.arg = migarg_t{thread: t, destcpu: destcpu}
		mypending.arg.pending = &mypending
		t.migration = &mypending
	} else {
		t.migration.arg.destcpu = destcpu
	}
	pending := t.migration

	if t.oncpu.Load() != 0 || t.state.Load() == THREAD_WAKING {
		sp := pending.stoppending
		if !sp {
			pending.stoppending = true
		}

		c.rq.Unlock()
		t.pilock.Unlock()

		if !sp {
			stop_one_cpu_nowait(c.id, migration_cpu_stop, &pending.arg, &pending.work)
		}
	} else {
		if t.onrq.Load() == ONRQ_QUEUED {
			c = movequeued(c, t, destcpu)
		}

		complete := false
		if !pending.stoppending {
			t.migration = nil
			complete = true
		}

		c.rq.Unlock()
		t.pilock.Unlock()

		if complete {
			pending.done.Complete_all()
		}
	}

	pending.done.Wait()

	return 0
}

func setcpusallowed(t *Thread_t, newmask *bitmap.Cpumask_t) int {
	c := threadrqlock(t)

	if t.cpusmask.Equal(newmask) {
		c.rq.Unlock()
		t.pilock.Unlock()
		return 0
	}

	dest := newmask.Any()
	t.cpusmask.Copyfrom(newmask)

	return affinemove(c, t, dest)
}

// Sched_setaffinity restricts t to the given cpu set, intersected with
// the online cpus, migrating it off a now-forbidden cpu.
func Sched_setaffinity(t *Thread_t, mask *bitmap.Cpumask_t) int {
	var newmask bitmap.Cpumask_t
	if !newmask.And(mask, &Cpuonline) {
		return int(defs.EINVAL)
	}
	return setcpusallowed(t, &newmask)
}
