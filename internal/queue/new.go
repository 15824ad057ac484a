package queue

// New builds a Queue of the given strategy with the given max size
// (<=0 means unbounded).
func New(s Strategy, maxSize int) Queue {
	switch s {
	case Priority:
		return NewPriority(maxSize)
	case Delay:
		return NewDelay(maxSize)
	default:
		return NewFIFO(maxSize)
	}
}
