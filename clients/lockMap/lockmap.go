package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per client id. Entries are dropped once nobody
// holds or waits for them, so the map stays as small as the set of clients
// currently being worked on.
type Map struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func New() *Map {
	return &Map{entries: make(map[int64]*entry)}
}

// Lock blocks until the client's lock is held and returns its unlock func.
func (m *Map) Lock(id int64) func() {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() { m.unlock(id, e) }
}

func (m *Map) unlock(id int64, e *entry) {
	e.mu.Unlock()

	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// Len is the number of ids currently locked or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
