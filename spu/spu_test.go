package spu

import "debug/elf"
import "sort"
import "sync/atomic"
import "testing"

import "github.com/google/go-cmp/cmp"
import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

import "github.com/nobodyknowsthat/storpu/bitmap"
import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/proc"
import "github.com/nobodyknowsthat/storpu/stats"
import "github.com/nobodyknowsthat/storpu/vm"

func spuboot(t *testing.T) *Ramftl_t {
	t.Helper()
	cfg := Mkconfig()
	cfg.Cpus = 2
	cfg.Mempages = 2048
	cfg.Loglevel = "error"
	ram := Mkramftl(1<<20, 1<<20)
	Boot(cfg, ram)
	return ram
}

// mkguest builds a synthetic image whose exported symbols are the given
// procs, and returns the symbol addresses.
func mkguest(t *testing.T, procs map[string]vm.Guestproc_t) (*vm.Image_t, map[string]uintptr) {
	t.Helper()

	var names []string
	for name := range procs {
		names = append(names, name)
	}
	sort.Strings(names)

	textva := vm.VUSERSTART + 0x10000
	syms := make(map[string]uintptr)
	for i, name := range names {
		syms[name] = textva + uintptr(i*16)
	}

	text := make([]uint8, 16*len(names)+16)
	datava := textva + 0x10000
	raw := vm.Mkelf(textva, []vm.Elfseg_t{
		{Vaddr: textva, Data: text, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_X},
		{Vaddr: datava, Data: []uint8{1}, Memsz: 0x1000, Flags: elf.PF_R | elf.PF_W},
	})

	img, err := vm.Mkimage(raw, procs, syms)
	require.Zero(t, err)
	return img, syms
}

func mkcontext(t *testing.T, img *vm.Image_t) defs.Cid_t {
	t.Helper()
	so := Register_image(img)
	cid, rv := Host_create_context(so, 2000)
	require.Zero(t, rv)
	require.NotZero(t, cid)
	return cid
}

// S1: minimal invoke.
func TestInvokeHello(t *testing.T) {
	spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"hello": func(arg uintptr) uintptr {
			Spu_printf("hello %d\n", arg)
			return 0
		},
	})
	cid := mkcontext(t, img)

	lines := Console_lines()

	res, rv := Host_invoke(cid, syms["hello"], 0, 5000)
	require.Zero(t, rv)
	assert.Zero(t, res)

	assert.Equal(t, lines+1, Console_lines())

	require.Zero(t, Host_delete_context(cid, 2000))
}

func TestInvokeErrors(t *testing.T) {
	spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"hello": func(arg uintptr) uintptr { return arg },
	})
	cid := mkcontext(t, img)

	_, rv := Host_invoke(cid+99, syms["hello"], 0, 2000)
	assert.Equal(t, -int32(defs.ESRCH), rv)

	_, rv = Host_invoke(cid, syms["hello"]+4, 0, 2000)
	assert.Equal(t, -int32(defs.EINVAL), rv)

	res, rv := Host_invoke(cid, syms["hello"], 33, 2000)
	require.Zero(t, rv)
	assert.Equal(t, uintptr(33), res)
}

// S2: host-memory read through the page cache.
func TestHostMemoryThroughCache(t *testing.T) {
	ram := spuboot(t)

	magic := uint64(0x1122334455667788)
	for i := 0; i < 8; i++ {
		ram.Host[i] = uint8(magic >> (8 * uint(i)))
	}

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"readhost": func(arg uintptr) uintptr {
			va, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE,
				defs.MAP_SHARED, defs.FD_HOST_MEM, 0)
			if err != 0 {
				return 1
			}
			if Mustreadn(va, 8) != magic {
				return 2
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["readhost"], 0, 5000)
	require.Zero(t, rv)
	require.Zero(t, res)

	assert.Equal(t, 1, vm.Cache_nrpages(defs.FD_HOST_MEM))
}

// S3: flash write-back through msync.
func TestFlashWriteback(t *testing.T) {
	ram := spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"wb": func(arg uintptr) uintptr {
			va, err := Sys_mmap(0, uintptr(vm.HUGEPGSIZE),
				defs.PROT_READ|defs.PROT_WRITE, defs.MAP_SHARED, 0, 0)
			if err != 0 {
				return 1
			}
			Mustwriten(va+4096, 1, 0x5a)
			if err := Sys_msync(va, uintptr(vm.HUGEPGSIZE), defs.MS_SYNC); err != 0 {
				return 2
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["wb"], 0, 5000)
	require.Zero(t, rv)
	require.Zero(t, res)

	var writes []Taskrec_t
	for _, rec := range ram.Records() {
		if rec.Kind == defs.FTL_TYPE_FLASH_WRITE {
			writes = append(writes, rec)
		}
	}
	require.Len(t, writes, 1)
	assert.Equal(t, uint32(1), writes[0].Nsid)
	assert.Equal(t, uintptr(vm.HUGEPGSIZE), writes[0].Count)
	assert.Equal(t, uintptr(0), writes[0].Addr)

	assert.Equal(t, uint8(0x5a), ram.Flash(1)[4096])
}

// S4: mutex hand-off between two guest threads.
func TestMutexHandoff(t *testing.T) {
	spuboot(t)

	var m proc.Mutex_t
	var order []string
	var bdone atomic.Bool

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"handoff": func(arg uintptr) uintptr {
			m.Lock()

			tid, err := Spu_thread_create(nil, func(a uintptr) uintptr {
				m.Lock()
				order = append(order, "b")
				m.Unlock()
				bdone.Store(true)
				return 5
			}, 0)
			if err != 0 {
				return 1
			}

			// let the contender reach the lock
			for i := 0; i < 20; i++ {
				proc.Schedule()
			}
			order = append(order, "a")
			m.Unlock()

			var res uintptr
			if err := Spu_thread_join(tid, &res); err != 0 {
				return 2
			}
			if res != 5 {
				return 3
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["handoff"], 0, 5000)
	require.Zero(t, rv)
	require.Zero(t, res)

	require.True(t, bdone.Load())
	assert.Equal(t, []string{"a", "b"}, order)
}

// S5: affinity migration observed from a guest thread.
func TestGuestAffinity(t *testing.T) {
	spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"affine": func(arg uintptr) uintptr {
			self := Spu_thread_self()

			mask := bitmap.Cpumask_of(0)
			if err := Spu_sched_setaffinity(self, &mask); err != 0 {
				return 1
			}
			if proc.Current().Cpuid() != 0 {
				return 2
			}

			mask = bitmap.Cpumask_of(1)
			if err := Spu_sched_setaffinity(self, &mask); err != 0 {
				return 3
			}
			if proc.Current().Cpuid() != 1 {
				return 4
			}

			if err := Spu_sched_setaffinity(defs.Tid_t(9999), &mask); err != -defs.ESRCH {
				return 5
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["affine"], 0, 10000)
	require.Zero(t, rv)
	assert.Zero(t, res)
}

// S6: populated anonymous mapping and the unmap round trip.
func TestAnonPopulateRoundtrip(t *testing.T) {
	spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"anon": func(arg uintptr) uintptr {
			va, err := Sys_mmap(0, 8192, defs.PROT_READ|defs.PROT_WRITE,
				defs.MAP_ANONYMOUS|defs.MAP_PRIVATE|defs.MAP_POPULATE, -1, 0)
			if err != 0 {
				return 1
			}
			if Mustreadn(va, 8) != 0 || Mustreadn(va+4096, 8) != 0 {
				return 2
			}
			Mustwriten(va, 8, 0xdead)
			if Mustreadn(va, 8) != 0xdead {
				return 3
			}
			if err := Sys_munmap(va, 8192); err != 0 {
				return 4
			}
			if _, err := Userreadn(va, 8); err != -defs.EFAULT {
				return 5
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["anon"], 0, 5000)
	require.Zero(t, rv)
	assert.Zero(t, res)
}

// Property 8: copy identity through write, read, and a shared mapping.
func TestCopyIdentity(t *testing.T) {
	spuboot(t)

	pattern := make([]uint8, 4096)
	for i := range pattern {
		pattern[i] = uint8(i * 7)
	}

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"copy": func(arg uintptr) uintptr {
			flags := defs.MAP_ANONYMOUS | defs.MAP_PRIVATE | defs.MAP_POPULATE
			buf, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE, flags, -1, 0)
			if err != 0 {
				return 1
			}
			for i, c := range pattern {
				Mustwriten(buf+uintptr(i), 1, uint64(c))
			}
			if Spu_write(0, buf, 4096, 8192) != 4096 {
				return 2
			}

			buf2, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE, flags, -1, 0)
			if err != 0 {
				return 3
			}
			if Spu_read(0, buf2, 4096, 8192) != 4096 {
				return 4
			}
			for i, c := range pattern {
				if Mustreadn(buf2+uintptr(i), 1) != uint64(c) {
					return 5
				}
			}

			mva, err := Sys_mmap(0, uintptr(vm.HUGEPGSIZE), defs.PROT_READ,
				defs.MAP_SHARED, 0, 0)
			if err != 0 {
				return 6
			}
			for i, c := range pattern {
				if Mustreadn(mva+8192+uintptr(i), 1) != uint64(c) {
					return 7
				}
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["copy"], 0, 10000)
	require.Zero(t, rv)
	require.Zero(t, res)
}

func TestScratchpad(t *testing.T) {
	spuboot(t)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"scratch": func(arg uintptr) uintptr {
			flags := defs.MAP_ANONYMOUS | defs.MAP_PRIVATE | defs.MAP_POPULATE
			buf, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE, flags, -1, 0)
			if err != 0 {
				return 1
			}
			Mustwriten(buf, 8, 0xfeedface)
			if Spu_write(defs.FD_SCRATCHPAD, buf, 8, 256) != 8 {
				return 2
			}

			buf2, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE, flags, -1, 0)
			if err != 0 {
				return 3
			}
			if Spu_read(defs.FD_SCRATCHPAD, buf2, 8, 256) != 8 {
				return 4
			}
			if Mustreadn(buf2, 8) != 0xfeedface {
				return 5
			}

			// out of range
			if Spu_read(defs.FD_SCRATCHPAD, buf2, 8, 1<<30) != -int(defs.EFAULT) {
				return 6
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["scratch"], 0, 5000)
	require.Zero(t, rv)
	assert.Zero(t, res)
}

func TestGuestBrk(t *testing.T) {
	spuboot(t)

	datava := vm.VUSERSTART + 0x20000

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"brk": func(arg uintptr) uintptr {
			if err := Sys_brk(datava + 0x3000); err != 0 {
				return 1
			}
			Mustwriten(datava+0x2800, 8, 77)
			if Mustreadn(datava+0x2800, 8) != 77 {
				return 2
			}
			return 0
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["brk"], 0, 5000)
	require.Zero(t, rv)
	assert.Zero(t, res)
}

func TestGuestFaultKillsThread(t *testing.T) {
	spuboot(t)

	faults := stats.K.Guestfault.Read()

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"crash": func(arg uintptr) uintptr {
			Mustreadn(vm.VSTACKTOP-4096, 8)
			return 0
		},
		"ok": func(arg uintptr) uintptr { return 1 },
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["crash"], 0, 5000)
	require.Zero(t, rv)
	assert.Equal(t, ^uintptr(0), res)
	assert.Equal(t, faults+1, stats.K.Guestfault.Read())

	// the context and other invocations keep working
	res, rv = Host_invoke(cid, syms["ok"], 0, 5000)
	require.Zero(t, rv)
	assert.Equal(t, uintptr(1), res)
}

func TestSubmitTimeout(t *testing.T) {
	spuboot(t)

	var released atomic.Bool

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"slow": func(arg uintptr) uintptr {
			for !released.Load() {
				proc.Schedule()
			}
			return 0
		},
		"quick": func(arg uintptr) uintptr { return arg },
	})
	cid := mkcontext(t, img)

	_, rv := Host_invoke(cid, syms["slow"], 0, 50)
	assert.Equal(t, -int32(defs.ETIMEDOUT), rv)

	// the late completion is discarded and the runtime stays usable
	released.Store(true)

	res, rv := Host_invoke(cid, syms["quick"], 8, 5000)
	require.Zero(t, rv)
	assert.Equal(t, uintptr(8), res)
}

func TestFlashDataSurvivesInRam(t *testing.T) {
	ram := spuboot(t)

	want := []uint8{9, 8, 7, 6}
	copy(ram.Flash(3)[64:], want)

	img, syms := mkguest(t, map[string]vm.Guestproc_t{
		"rd": func(arg uintptr) uintptr {
			flags := defs.MAP_ANONYMOUS | defs.MAP_PRIVATE | defs.MAP_POPULATE
			buf, err := Sys_mmap(0, 4096, defs.PROT_READ|defs.PROT_WRITE, flags, -1, 0)
			if err != 0 {
				return 1
			}
			// fd 2 names namespace 3
			if Spu_read(2, buf, 4, 64) != 4 {
				return 2
			}
			v := Mustreadn(buf, 4)
			return uintptr(v)
		},
	})
	cid := mkcontext(t, img)

	res, rv := Host_invoke(cid, syms["rd"], 0, 5000)
	require.Zero(t, rv)

	got := []uint8{
		uint8(res), uint8(res >> 8), uint8(res >> 16), uint8(res >> 24),
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("flash bytes differ (-want +got):\n%s", d)
	}

	// fsync and sync complete through the FTL
	img2, syms2 := mkguest(t, map[string]vm.Guestproc_t{
		"sync": func(arg uintptr) uintptr {
			if err := Sys_fsync(2); err != 0 {
				return 1
			}
			if err := Sys_fdatasync(2); err != 0 {
				return 2
			}
			Sys_sync()
			return 0
		},
	})
	cid2 := mkcontext(t, img2)
	res, rv = Host_invoke(cid2, syms2["sync"], 0, 5000)
	require.Zero(t, rv)
	require.Zero(t, res)

	kinds := make(map[int32]int)
	for _, rec := range ram.Records() {
		kinds[rec.Kind]++
	}
	assert.Equal(t, 1, kinds[defs.FTL_TYPE_FLUSH])
	assert.Equal(t, 1, kinds[defs.FTL_TYPE_FLUSH_DATA])
	assert.Equal(t, 1, kinds[defs.FTL_TYPE_SYNC])
}

