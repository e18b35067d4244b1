// Package stats holds the runtime's always-on event counters. They are
// cheap atomic adds and several end-to-end behaviors (IPI counts,
// writeback counts) are asserted through them.
package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"

// Counter_t is a statistical counter.
type Counter_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Read returns the current value.
func (c *Counter_t) Read() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Kstats_t is the set of runtime counters.
type Kstats_t struct {
	Ctxswitch   Counter_t
	Reschedipi  Counter_t
	Complipi    Counter_t
	Stopperwork Counter_t
	Cachehit    Counter_t
	Cachemiss   Counter_t
	Writeback   Counter_t
	Guestfault  Counter_t
	Ftltask     Counter_t
	Invoke      Counter_t
}

// K is the global counter instance.
var K Kstats_t

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
