package task

// NewTimed builds a unit with a timeout callback. The callback fires at
// most once, only when MarkTimeout succeeds from Pending — a deadline
// that elapses mid-execution is not enforced by the runtime (§9 open
// question: "unit_overtime" mid-execution behavior is unspecified).
func NewTimed(id uint64, name string, priority Priority, fn Callable, onTimeout func()) *Unit {
	u := New(id, name, priority, fn)
	u.onTimeout = onTimeout
	return u
}
