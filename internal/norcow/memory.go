package norcow

// MemoryStore is an in-memory Store, the fast backend used by this
// module's own tests. It has no corpus analogue beyond being the obvious
// map-backed stand-in; its job is to enforce the same clear-only write
// discipline a real flash chip imposes so tests genuinely exercise that
// constraint instead of glossing over it.
type MemoryStore struct {
	version uint32
	entries map[uint16][]byte
	order   []uint16 // insertion order, for deterministic Iterate in tests
}

// NewMemoryStore returns an empty store reporting the given on-flash
// format version, as if Init had already run in a previous session.
func NewMemoryStore(version uint32) *MemoryStore {
	return &MemoryStore{
		version: version,
		entries: make(map[uint16][]byte),
	}
}

func (m *MemoryStore) Init() (uint32, error) {
	return m.version, nil
}

func (m *MemoryStore) Get(key uint16) ([]byte, error) {
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(key uint16, value []byte) error {
	_, existed := m.entries[key]
	buf := make([]byte, len(value))
	copy(buf, value)
	m.entries[key] = buf
	if !existed {
		m.order = append(m.order, key)
	}
	return nil
}

func (m *MemoryStore) SetEx(key uint16, value []byte) (bool, error) {
	_, existed := m.entries[key]
	if err := m.Set(key, value); err != nil {
		return existed, err
	}
	return existed, nil
}

func (m *MemoryStore) Delete(key uint16) error {
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Iterate(fn func(key uint16, value []byte) bool) error {
	for _, k := range m.order {
		v := m.entries[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		if !fn(k, cp) {
			break
		}
	}
	return nil
}

func (m *MemoryStore) UpdateWord(key uint16, offset int, word uint32) error {
	var buf [4]byte
	buf[0] = byte(word)
	buf[1] = byte(word >> 8)
	buf[2] = byte(word >> 16)
	buf[3] = byte(word >> 24)
	return m.UpdateBytes(key, offset, buf[:])
}

func (m *MemoryStore) UpdateBytes(key uint16, offset int, data []byte) error {
	existing, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if offset < 0 || offset+len(data) > len(existing) {
		return ErrTooShort
	}
	window := existing[offset : offset+len(data)]
	merged := clearOnlyMerge(window, data)
	copy(window, merged)
	return nil
}

func (m *MemoryStore) Wipe() error {
	m.entries = make(map[uint16][]byte)
	m.order = nil
	return nil
}

func (m *MemoryStore) UpgradeFinish(newVersion uint32) error {
	m.version = newVersion
	return nil
}
