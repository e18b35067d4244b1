// Package spu is the runtime proper: boot, the FTL request dispatch
// loop, the file objects guests address by descriptor, and the guest
// syscall surface.
package spu

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/ftl"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/proc"
import "github.com/nobodyknowsthat/storpu/util"

// scratchpad is the on-chip buffer behind FD_SCRATCHPAD, served by
// direct copy with no page-cache entry.
var scratchpad []uint8

func mapscratch(off uintptr, count int) ([]uint8, bool) {
	if off >= uintptr(len(scratchpad)) {
		return nil, false
	}
	n := util.Min(count, len(scratchpad)-int(off))
	return scratchpad[off : off+uintptr(n)], true
}

// kreadwrite moves count bytes between the frames at phys and the
// object behind fd, blocking the calling thread on an FTL task.
func kreadwrite(fd int, phys mem.Pa_t, count int, off uintptr, dowrite bool) int {
	if fd == defs.FD_SCRATCHPAD {
		win, ok := mapscratch(off, count)
		if !ok {
			return -int(defs.EFAULT)
		}
		buf := mem.Physmem.Dmap(phys, len(win))
		if dowrite {
			copy(win, buf)
		} else {
			copy(buf, win)
		}
		return len(win)
	}

	var task ftl.Ftltask_t
	if fd == defs.FD_HOST_MEM {
		if dowrite {
			task.Kind = defs.FTL_TYPE_HOST_WRITE
		} else {
			task.Kind = defs.FTL_TYPE_HOST_READ
		}
	} else {
		if fd < 0 {
			return -int(defs.EINVAL)
		}
		if dowrite {
			task.Kind = defs.FTL_TYPE_FLASH_WRITE
		} else {
			task.Kind = defs.FTL_TYPE_FLASH_READ
		}
		task.Nsid = uint32(fd + 1)
	}

	task.Srccpu = int32(proc.Current().Cpuid())
	task.Bufphys = phys
	task.Addr = off
	task.Count = uintptr(count)

	ftl.Submit_ftl_task(&task)

	if task.Retval != 0 {
		return -int(task.Retval)
	}
	return count
}

// Kread reads count bytes at off from fd into the frames at phys.
// This is the read hook the page cache faults through.
func Kread(fd int, phys mem.Pa_t, count int, off uintptr) int {
	return kreadwrite(fd, phys, count, off, false)
}

// Kwrite writes count bytes from the frames at phys to fd at off.
// This is the write-back hook of the page cache.
func Kwrite(fd int, phys mem.Pa_t, count int, off uintptr) int {
	return kreadwrite(fd, phys, count, off, true)
}

// Spu_read is the guest read syscall: the user buffer must translate
// to one physically contiguous span.
func Spu_read(fd int, buf uintptr, count uintptr, off uintptr) int {
	t := proc.Current()
	ctx := t.Vmctx

	if fd == defs.FD_SCRATCHPAD {
		win, ok := mapscratch(off, int(count))
		if !ok {
			return -int(defs.EFAULT)
		}
		if ctx.K2user(win, buf) != 0 {
			return -int(defs.EFAULT)
		}
		return len(win)
	}

	spans, r := ctx.Vumap(buf, count, 1)
	if r != 0 {
		return -int(defs.EFAULT)
	}
	if len(spans) != 1 || spans[0].Size != count {
		return -int(defs.EFAULT)
	}

	return kreadwrite(fd, spans[0].Addr, int(count), off, false)
}

// Spu_write is the guest write syscall.
func Spu_write(fd int, buf uintptr, count uintptr, off uintptr) int {
	t := proc.Current()
	ctx := t.Vmctx

	if fd == defs.FD_SCRATCHPAD {
		win, ok := mapscratch(off, int(count))
		if !ok {
			return -int(defs.EFAULT)
		}
		if ctx.User2k(win, buf) != 0 {
			return -int(defs.EFAULT)
		}
		return len(win)
	}

	spans, r := ctx.Vumap(buf, count, 1)
	if r != 0 {
		return -int(defs.EFAULT)
	}
	if len(spans) != 1 || spans[0].Size != count {
		return -int(defs.EFAULT)
	}

	return kreadwrite(fd, spans[0].Addr, int(count), off, true)
}

func filesync(fd int, kind int32) defs.Err_t {
	if fd < 0 {
		return -defs.EINVAL
	}

	var task ftl.Ftltask_t
	task.Kind = kind
	task.Srccpu = int32(proc.Current().Cpuid())
	task.Nsid = uint32(fd + 1)

	ftl.Submit_ftl_task(&task)

	return -defs.Err_t(task.Retval)
}

// Sys_fsync flushes fd's namespace through the FTL.
func Sys_fsync(fd int) defs.Err_t {
	return filesync(fd, defs.FTL_TYPE_FLUSH)
}

// Sys_fdatasync flushes fd's data through the FTL.
func Sys_fdatasync(fd int) defs.Err_t {
	return filesync(fd, defs.FTL_TYPE_FLUSH_DATA)
}

// Sys_sync issues a global sync task.
func Sys_sync() {
	var task ftl.Ftltask_t
	task.Kind = defs.FTL_TYPE_SYNC
	task.Srccpu = int32(proc.Current().Cpuid())

	ftl.Submit_ftl_task(&task)
}
