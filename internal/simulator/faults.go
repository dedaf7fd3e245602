package simulator

// Faults selects misbehaviour. The zero value is a well-behaved receiver.
type Faults struct {
	// DropResponses suppresses result and error records. Sets still apply
	// and still notify.
	DropResponses bool

	// SplitWrites sends every record in two writes.
	SplitWrites bool

	// Coalesce sends a set's result and its notify in a single write.
	Coalesce bool

	// Garbage writes a non-JSON span before every record.
	Garbage bool

	// CloseOnRequest closes the connection instead of answering.
	CloseOnRequest bool
}

// garbage is skipped by a decoder that resyncs at the next '{'.
var garbage = []byte("#garbage#\n")

// Any returns true if any fault is enabled.
func (f Faults) Any() bool {
	return f != Faults{}
}
