package vm

import "github.com/nobodyknowsthat/storpu/mem"

// Page table entry flags.
const (
	PTE_P  = 1 << 0
	PTE_W  = 1 << 1
	PTE_X  = 1 << 2
	PTE_NC = 1 << 3
)

// Pte_t is one translation: a frame base plus access flags.
type Pte_t struct {
	Phys  mem.Pa_t
	Flags int
}

// Pgd_t is the software page directory of a context. Entries are keyed
// by page-aligned virtual address. All access is serialized by the
// owning context's pgd lock.
type Pgd_t struct {
	entries map[uintptr]Pte_t
}

func mkpgd() Pgd_t {
	return Pgd_t{entries: make(map[uintptr]Pte_t)}
}

// Writemap installs translations for l bytes at va -> pa. An existing
// entry is overwritten (remap with new flags).
func (p *Pgd_t) Writemap(va uintptr, pa mem.Pa_t, l int, flags int) int {
	if va%uintptr(mem.PGSIZE) != 0 || pa&mem.PGOFFSET != 0 {
		panic("writemap unaligned")
	}
	for off := 0; off < l; off += mem.PGSIZE {
		p.entries[va+uintptr(off)] = Pte_t{Phys: pa + mem.Pa_t(off), Flags: flags | PTE_P}
	}
	return 0
}

// Unmap_range removes all translations in [va, va+l).
func (p *Pgd_t) Unmap_range(va uintptr, l uintptr) {
	if va%uintptr(mem.PGSIZE) != 0 {
		panic("unmap unaligned")
	}
	for off := uintptr(0); off < l; off += uintptr(mem.PGSIZE) {
		delete(p.entries, va+off)
	}
}

// Lookup returns the entry covering va.
func (p *Pgd_t) Lookup(va uintptr) (Pte_t, bool) {
	pte, ok := p.entries[va&^uintptr(mem.PGOFFSET)]
	return pte, ok
}

// Va2pa_range translates va and extends the result while the backing
// frames stay physically contiguous, up to size bytes. It returns the
// physical base and the chunk length, or 0 length on an untranslated
// page.
func (p *Pgd_t) Va2pa_range(va uintptr, size uintptr) (mem.Pa_t, uintptr) {
	voff := va & uintptr(mem.PGOFFSET)
	pte, ok := p.Lookup(va)
	if !ok {
		return 0, 0
	}
	base := pte.Phys + mem.Pa_t(voff)
	chunk := uintptr(mem.PGSIZE) - voff
	for chunk < size {
		next, ok := p.Lookup(va + chunk)
		if !ok || next.Phys != pte.Phys+mem.Pa_t(chunk+voff) {
			break
		}
		chunk += uintptr(mem.PGSIZE)
	}
	if chunk > size {
		chunk = size
	}
	return base, chunk
}

// Clear drops every translation.
func (p *Pgd_t) Clear() {
	p.entries = make(map[uintptr]Pte_t)
}

// Len returns the number of live translations.
func (p *Pgd_t) Len() int {
	return len(p.entries)
}
