package bitmap

import "github.com/nobodyknowsthat/storpu/defs"

// Cpumask_t is a fixed-size set of cpu indices.
type Cpumask_t struct {
	bits [(defs.MAXCPUS + BITCHUNKBITS - 1) / BITCHUNKBITS]Bitchunk_t
}

// Clear empties the mask.
func (m *Cpumask_t) Clear() {
	Zero(m.bits[:], defs.MAXCPUS)
}

// Setcpu adds cpu to the mask.
func (m *Cpumask_t) Setcpu(cpu int) {
	Atomic_set(m.bits[:], cpu)
}

// Unsetcpu removes cpu from the mask.
func (m *Cpumask_t) Unsetcpu(cpu int) {
	Atomic_unset(m.bits[:], cpu)
}

// Testcpu reports whether cpu is in the mask.
func (m *Cpumask_t) Testcpu(cpu int) bool {
	if cpu < 0 || cpu >= defs.MAXCPUS {
		return false
	}
	return Get(m.bits[:], cpu)
}

// Copyfrom overwrites the mask with src.
func (m *Cpumask_t) Copyfrom(src *Cpumask_t) {
	Copy(m.bits[:], src.bits[:], defs.MAXCPUS)
}

// Equal compares two masks.
func (m *Cpumask_t) Equal(o *Cpumask_t) bool {
	return Equal(m.bits[:], o.bits[:], defs.MAXCPUS)
}

// And stores m1 & m2 into the mask and reports whether the result is
// non-empty.
func (m *Cpumask_t) And(m1, m2 *Cpumask_t) bool {
	return And(m.bits[:], m1.bits[:], m2.bits[:], defs.MAXCPUS)
}

// Or stores m1 | m2 into the mask.
func (m *Cpumask_t) Or(m1, m2 *Cpumask_t) {
	Or(m.bits[:], m1.bits[:], m2.bits[:], defs.MAXCPUS)
}

// First returns the lowest cpu in the mask, or MAXCPUS when empty.
func (m *Cpumask_t) First() int {
	return Find_first_bit(m.bits[:], defs.MAXCPUS)
}

// Any is an alias for First.
func (m *Cpumask_t) Any() int {
	return m.First()
}

// Cpumask_of returns a mask containing only cpu.
func Cpumask_of(cpu int) Cpumask_t {
	var m Cpumask_t
	m.Setcpu(cpu)
	return m
}
