package audio

// Drain discards every value currently buffered in ch and returns how many
// were dropped. It never blocks, so it is safe on channels that stay open,
// such as a bounded forward queue that is flushed when a run ends.
func Drain[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
