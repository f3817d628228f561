package anomaly

// traceRing is a bounded FIFO over power-of-2 storage. Once limit entries are
// held, pushing drops the oldest. Indexing uses a mask rather than modulo.
type traceRing struct {
	s     []Trace
	r, w  uint
	limit int
}

func newTraceRing(limit int) *traceRing {
	size := 1
	for size < limit {
		size <<= 1
	}
	return &traceRing{s: make([]Trace, size), limit: limit}
}

func (x *traceRing) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *traceRing) Len() int {
	return int(x.w - x.r)
}

func (x *traceRing) Get(i int) Trace {
	if i < 0 || i >= x.Len() {
		panic(`anomaly: ring: get: index out of range`)
	}
	return x.s[x.mask(x.r+uint(i))]
}

func (x *traceRing) Push(t Trace) {
	if x.Len() == x.limit {
		x.r++
	}
	x.s[x.mask(x.w)] = t
	x.w++
}

// Slice returns the entries oldest-first.
func (x *traceRing) Slice() []Trace {
	out := make([]Trace, x.Len())
	for i := range out {
		out[i] = x.Get(i)
	}
	return out
}
