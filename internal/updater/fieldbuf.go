package updater

// FieldBuffer accumulates the value of one non-file multipart field.
// Bytes past the capacity are dropped.
type FieldBuffer struct {
	name      string
	buf       []byte
	capacity  int
	truncated bool
	active    bool
}

// NewFieldBuffer returns a buffer that holds at most capacity bytes.
func NewFieldBuffer(capacity int) *FieldBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &FieldBuffer{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Begin starts accumulating a new field, discarding any previous value.
func (f *FieldBuffer) Begin(name string) {
	f.name = name
	f.buf = f.buf[:0]
	f.truncated = false
	f.active = true
}

// Append adds p up to the remaining capacity and returns the number of bytes kept.
func (f *FieldBuffer) Append(p []byte) int {
	if !f.active {
		return 0
	}
	avail := f.capacity - len(f.buf)
	if len(p) > avail {
		p = p[:avail]
		f.truncated = true
	}
	f.buf = append(f.buf, p...)
	return len(p)
}

// End stops accumulation and returns the field name and value.
func (f *FieldBuffer) End() (name, value string) {
	f.active = false
	return f.name, string(f.buf)
}

// Truncated reports whether bytes were dropped from the current field.
func (f *FieldBuffer) Truncated() bool {
	return f.truncated
}
