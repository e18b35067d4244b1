package vm

import "bytes"
import "debug/elf"

import "github.com/nobodyknowsthat/storpu/defs"
import "github.com/nobodyknowsthat/storpu/mem"
import "github.com/nobodyknowsthat/storpu/util"

// Guestproc_t is a guest entry point bound to an exported symbol of a
// loaded image. The argument and result travel through the invoke
// task unmodified.
type Guestproc_t func(arg uintptr) uintptr

// Image_t is a shared object delivered by the host: the raw ELF bytes
// plus the executable entry points keyed by symbol value. The ELF is
// authoritative for layout; the procs carry the behavior.
type Image_t struct {
	Raw     []uint8
	Symbols map[string]uintptr
	procs   map[uintptr]Guestproc_t
}

// Mkimage builds an image from ELF bytes and the named entry points.
// Symbol values come from the ELF symbol table when one is present,
// with syms supplying or overriding values for stripped images.
func Mkimage(raw []uint8, procs map[string]Guestproc_t, syms map[string]uintptr) (*Image_t, defs.Err_t) {
	img := &Image_t{
		Raw:     raw,
		Symbols: make(map[string]uintptr),
		procs:   make(map[uintptr]Guestproc_t),
	}

	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, -defs.ENOEXEC
	}
	if esyms, err := ef.Symbols(); err == nil {
		for _, s := range esyms {
			if s.Name != "" {
				img.Symbols[s.Name] = uintptr(s.Value)
			}
		}
	}
	for name, v := range syms {
		img.Symbols[name] = v
	}

	for name, p := range procs {
		v, ok := img.Symbols[name]
		if !ok {
			return nil, -defs.ENOEXEC
		}
		img.procs[v] = p
	}

	return img, 0
}

// Resolveproc maps an invoke entry address to its guest proc.
func (ctx *Ctx_t) Resolveproc(entry uintptr) (Guestproc_t, bool) {
	if ctx.img == nil {
		return nil, false
	}
	p, ok := ctx.img.procs[entry]
	return p, ok
}

// Entry returns the image's ELF entry point.
func (img *Image_t) Entry() (uintptr, defs.Err_t) {
	ef, err := elf.NewFile(bytes.NewReader(img.Raw))
	if err != nil {
		return 0, -defs.ENOEXEC
	}
	return uintptr(ef.Entry), 0
}

// Exec loads img into the context: every PT_LOAD becomes a fixed
// writable anonymous mapping with the file bytes copied in and the tail
// zeroed. Returns a positive errno.
func (ctx *Ctx_t) Exec(img *Image_t) int {
	pg := uintptr(mem.PGSIZE)

	ef, err := elf.NewFile(bytes.NewReader(img.Raw))
	if err != nil {
		return int(defs.ENOEXEC)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return int(defs.ENOEXEC)
	}

	loadbase := uintptr(0)
	first := true

	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}

		if ph.Vaddr%uint64(pg) != ph.Off%uint64(pg) {
			Log.Warnf("exec: unaligned program segment")
			return int(defs.ENOEXEC)
		}

		foffset := uintptr(ph.Off)
		fsize := uintptr(ph.Filesz)
		pvaddr := uintptr(ph.Vaddr)
		vaddr := pvaddr
		memsize := uintptr(ph.Memsz)

		alignment := vaddr % pg
		foffset -= alignment
		vaddr -= alignment
		fsize += alignment
		memsize += alignment

		memsize = util.Roundup(memsize, pg)
		fsize = util.Roundup(fsize, pg)

		if first || loadbase > vaddr {
			loadbase = vaddr
		}
		first = false

		if ph.Flags&elf.PF_X != 0 {
			ctx.Textsz = memsize
		} else {
			ctx.Datasz = memsize
		}

		prot := defs.PROT_WRITE
		if ph.Flags&elf.PF_R != 0 {
			prot |= defs.PROT_READ
		}
		if ph.Flags&elf.PF_X != 0 {
			prot |= defs.PROT_EXEC
		}

		if _, r := Vm_map(ctx, vaddr, memsize, prot,
			defs.MAP_PRIVATE|defs.MAP_ANONYMOUS|defs.MAP_FIXED, -1, 0); r != 0 {
			return int(defs.ENOMEM)
		}

		// copy the file bytes; fresh anonymous pages cover the tail
		// with zeroes already
		if foffset > uintptr(len(img.Raw)) {
			return int(defs.ENOEXEC)
		}
		n := util.Min(fsize, uintptr(len(img.Raw))-foffset)
		if ctx.K2user(img.Raw[foffset:foffset+n], vaddr) != 0 {
			return int(defs.ENOMEM)
		}

		// clear any slack the copy dragged in past filesz
		fileend := pvaddr + uintptr(ph.Filesz)
		memend := vaddr + memsize
		if memend > fileend {
			if ctx.Userzero(fileend, memend-fileend) != 0 {
				return int(defs.ENOMEM)
			}
		}
	}

	ctx.Loadbase = loadbase
	ctx.img = img

	return 0
}
