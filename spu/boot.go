package spu

import "sync"
import "sync/atomic"

import "github.com/sirupsen/logrus"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/ftl"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/proc"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/vm"

// Log is the runtime logger.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.WarnLevel)
}

var servicethreads []*proc.Thread_t

var imgtablock sync.Mutex
var imgtab map[uintptr]*vm.Image_t
var imgnext uintptr

var nextinvokecpu atomic.Int32

// Boot brings the runtime up: memory zones, the vm layer, the
// scheduler with its idle and stopper threads, the FTL channels, and
// one request service thread per core. The init order mirrors the
// firmware's.
func Boot(cfg Config_t, sv ftl.Servicer_i) {
	lvl, err := logrus.ParseLevel(cfg.Loglevel)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	Log.SetLevel(lvl)
	vm.Log.SetLevel(lvl)

	mem.Phys_init(mem.Mkdefaultzones(cfg.Mempages))
	vm.Vm_init()
	proc.Thread_init()
	proc.Sched_init(cfg.Cpus)

	scratchpad = make([]uint8, cfg.Scratchsize)
	consoleinit(cfg.Consolesize)

	imgtablock.Lock()
	imgtab = make(map[uintptr]*vm.Image_t)
	imgnext = 0x1000
	imgtablock.Unlock()

	nextinvokecpu.Store(0)

	vm.Mkmutex = func() vm.Mutex_i { return &proc.Mutex_t{} }
	vm.Yield = func() {
		if proc.Current() != nil {
			proc.Schedule()
		}
	}
	vm.Spuread = Kread
	vm.Spuwrite = Kwrite

	ftl.Ftl_init(sv)

	proc.Start_cpus()

	servicethreads = make([]*proc.Thread_t, cfg.Cpus)
	for i := 0; i < cfg.Cpus; i++ {
		t, r := proc.Thread_create_on_cpu(nil, nil, nil, i, serviceloop, uintptr(i))
		if r != 0 {
			panic("failed to create service thread")
		}
		servicethreads[i] = t
	}

	ftl.Reqdoorbell = func() {
		for _, t := range servicethreads {
			if proc.Wake_up_thread(t) {
				return
			}
		}
	}
}

// serviceloop drains the FTL request queue on one core, sleeping until
// the doorbell rings.
func serviceloop(arg uintptr) uintptr {
	for {
		tasks := ftl.Dequeue_storpu_requests()
		if len(tasks) == 0 {
			proc.Set_current_state(proc.THREAD_BLOCKED)
			if ftl.Reqpending() {
				proc.Set_current_state(proc.THREAD_RUNNING)
				continue
			}
			proc.Schedule()
			continue
		}

		for _, task := range tasks {
			handletask(task)
		}
	}
}

func handletask(task *ftl.Storputask_t) {
	switch task.Kind {
	case defs.SPU_TYPE_CREATE_CONTEXT:
		img := Lookup_image(task.Create.Soaddr)
		if img == nil {
			task.Retval = -int32(defs.EINVAL)
			ftl.Enqueue_storpu_completion(task)
			return
		}

		ctx, r := vm.Create_context()
		if r != 0 {
			task.Retval = -int32(r)
			ftl.Enqueue_storpu_completion(task)
			return
		}

		if r := ctx.Exec(img); r != 0 {
			vm.Delete_context(ctx)
			task.Retval = -int32(r)
			ftl.Enqueue_storpu_completion(task)
			return
		}

		task.Create.Cidout = uint32(ctx.Cid)
		task.Retval = 0
		ftl.Enqueue_storpu_completion(task)

	case defs.SPU_TYPE_DELETE_CONTEXT:
		ctx := vm.Find_get_context(defs.Cid_t(task.Delete.Cid))
		if ctx == nil {
			task.Retval = -int32(defs.ESRCH)
			ftl.Enqueue_storpu_completion(task)
			return
		}
		vm.Delete_context(ctx)
		vm.Put_context(ctx)
		task.Retval = 0
		ftl.Enqueue_storpu_completion(task)

	case defs.SPU_TYPE_INVOKE:
		ctx := vm.Find_get_context(defs.Cid_t(task.Invoke.Cid))
		if ctx == nil {
			task.Retval = -int32(defs.ESRCH)
			ftl.Enqueue_storpu_completion(task)
			return
		}

		p, ok := ctx.Resolveproc(task.Invoke.Entry)
		if !ok {
			vm.Put_context(ctx)
			task.Retval = -int32(defs.EINVAL)
			ftl.Enqueue_storpu_completion(task)
			return
		}

		cpu := int(nextinvokecpu.Add(1)-1) % proc.Ncpu()
		stats.K.Invoke.Inc()

		_, r := proc.Thread_create_on_cpu(ctx, task, nil, cpu, guestproc(p),
			task.Invoke.Arg)
		vm.Put_context(ctx)
		if r != 0 {
			task.Retval = -int32(r)
			ftl.Enqueue_storpu_completion(task)
			return
		}
		// completion is posted by the reaper

	default:
		task.Retval = -int32(defs.EINVAL)
		ftl.Enqueue_storpu_completion(task)
	}
}

// Register_image makes a shared object visible to create_context and
// returns its so address.
func Register_image(img *vm.Image_t) uintptr {
	imgtablock.Lock()
	defer imgtablock.Unlock()
	addr := imgnext
	imgnext += 0x1000
	imgtab[addr] = img
	return addr
}

// Lookup_image resolves a registered so address.
func Lookup_image(soaddr uintptr) *vm.Image_t {
	imgtablock.Lock()
	defer imgtablock.Unlock()
	return imgtab[soaddr]
}

// Host_create_context is the host-side helper: creates a context from
// an image already registered at soaddr.
func Host_create_context(soaddr uintptr, timeoutms uint32) (defs.Cid_t, int32) {
	task := &ftl.Storputask_t{Kind: defs.SPU_TYPE_CREATE_CONTEXT}
	task.Create.Soaddr = soaddr
	rv := ftl.Submit_storpu_task(task, timeoutms)
	return defs.Cid_t(task.Create.Cidout), rv
}

// Host_delete_context tears down a context by cid.
func Host_delete_context(cid defs.Cid_t, timeoutms uint32) int32 {
	task := &ftl.Storputask_t{Kind: defs.SPU_TYPE_DELETE_CONTEXT}
	task.Delete.Cid = uint32(cid)
	return ftl.Submit_storpu_task(task, timeoutms)
}

// Host_invoke runs entry(arg) in the context and returns the guest
// result with the task retval.
func Host_invoke(cid defs.Cid_t, entry uintptr, arg uintptr, timeoutms uint32) (uintptr, int32) {
	task := &ftl.Storputask_t{Kind: defs.SPU_TYPE_INVOKE}
	task.Invoke.Cid = uint32(cid)
	task.Invoke.Entry = entry
	task.Invoke.Arg = arg
	rv := ftl.Submit_storpu_task(task, timeoutms)
	return task.Invoke.Result, rv
}
