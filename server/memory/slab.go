// object pool with explicit construct/destroy, loop-thread only
package memory

type Slab[T any] struct {
	free []*T
}

// Construct pops a recycled object or allocates a fresh zeroed one.
func (s *Slab[T]) Construct() *T {
	if n := len(s.free); n > 0 {
		v := s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
		return v
	}
	return new(T)
}

// Destroy zeroes the object and caches it for the next Construct.
func (s *Slab[T]) Destroy(v *T) {
	var zero T
	*v = zero
	s.free = append(s.free, v)
}

func (s *Slab[T]) FreeCount() int {
	return len(s.free)
}
