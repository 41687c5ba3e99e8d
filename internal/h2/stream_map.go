package h2

// streamMap holds the session's two stream registries: active streams by
// id, and the closing set for streams finished by the upper layer whose
// RST_STREAM has not yet been serialized. Access is guarded by the session
// mutex; the map itself carries no lock.
type streamMap struct {
	active  map[uint32]*Stream
	closing map[uint32]*Stream
}

func newStreamMap() *streamMap {
	return &streamMap{
		active:  make(map[uint32]*Stream),
		closing: make(map[uint32]*Stream),
	}
}

func (m *streamMap) get(id uint32) *Stream {
	return m.active[id]
}

func (m *streamMap) set(id uint32, st *Stream) {
	m.active[id] = st
}

// close moves a stream from the active registry to the closing set.
func (m *streamMap) close(st *Stream) {
	delete(m.active, st.id)
	m.closing[st.id] = st
}

// drop removes a stream from whichever registry holds it.
func (m *streamMap) drop(id uint32) {
	delete(m.active, id)
	delete(m.closing, id)
}

func (m *streamMap) each(fn func(*Stream)) {
	for _, st := range m.active {
		fn(st)
	}
}

func (m *streamMap) len() int { return len(m.active) }

func (m *streamMap) empty() bool {
	return len(m.active) == 0 && len(m.closing) == 0
}

func (m *streamMap) clear() {
	m.active = make(map[uint32]*Stream)
	m.closing = make(map[uint32]*Stream)
}
