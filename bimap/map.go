package bimap

// Map is a simple BiMap.
// The zero Map is ready to use.
type Map[A, B comparable] struct {
	fwd map[A]B
	rwd map[B]A
}

func (m *Map[A, B]) init() {
	m.Reserve(0)
}

// Reserve sizes an empty Map for n pairs. It does nothing once the Map has been used.
func (m *Map[A, B]) Reserve(n int) {
	if m.fwd == nil {
		m.fwd = make(map[A]B, n)
		m.rwd = make(map[B]A, n)
	}
}

func (m *Map[A, B]) Len() (length int) {
	return len(m.fwd)
}

// Put adds the pair only if neither side is already present.
func (m *Map[A, B]) Put(a A, b B) (ok bool) {
	m.init()

	if _, exists := m.fwd[a]; exists {
		return
	}
	if _, exists := m.rwd[b]; exists {
		return
	}

	m.fwd[a] = b
	m.rwd[b] = a
	return true
}

// Rekey moves the value stored under from to the key to.
// Fails if from is missing or to is already used.
func (m *Map[A, B]) Rekey(from, to A) (ok bool) {
	if m.fwd == nil {
		return
	}

	b, exists := m.fwd[from]
	if !exists {
		return
	}
	if _, exists := m.fwd[to]; exists {
		return from == to
	}

	delete(m.fwd, from)
	m.fwd[to] = b
	m.rwd[b] = to
	return true
}

func (m *Map[A, B]) Delete(a A) (change bool) {
	m.init()

	prev, exists := m.fwd[a]
	if exists {
		delete(m.fwd, a)
		delete(m.rwd, prev)
		return true
	}

	return false
}

func (m *Map[A, B]) Get(a A) (b B, has bool) {
	b, has = m.fwd[a]
	return
}

func (m *Map[A, B]) GetFar(b B) (a A, has bool) {
	a, has = m.rwd[b]
	return
}

// Clear empties both directions.
func (m *Map[A, B]) Clear() {
	clear(m.fwd)
	clear(m.rwd)
}
