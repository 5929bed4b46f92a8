package stt

// Session is the streaming state of one STT stream. It is owned by a single
// connection and is not safe for concurrent use.
type Session struct {
	ID       string
	Language string

	chunks       [][]byte
	size         int
	silentChunks int
}

func NewSession(id, language string) *Session {
	return &Session{ID: id, Language: language}
}

// Append adds a chunk to the accumulated audio. The chunk is copied.
func (s *Session) Append(chunk []byte) {
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.size += len(chunk)
}

// Audio returns the accumulated chunks joined in arrival order.
func (s *Session) Audio() []byte {
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Size is the total number of accumulated bytes.
func (s *Session) Size() int { return s.size }

// Chunks is the number of accumulated chunks.
func (s *Session) Chunks() int { return len(s.chunks) }

// SilentChunks is the current run of consecutive silent chunks.
func (s *Session) SilentChunks() int { return s.silentChunks }

// Clear drops the accumulated audio and silence run; the session stays open.
func (s *Session) Clear() {
	s.chunks = nil
	s.size = 0
	s.silentChunks = 0
}

// Registry maps session ids to sessions for one connection. It is not safe
// for concurrent use; each connection owns its own registry.
type Registry struct {
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open registers a fresh session under id, replacing (and discarding) any
// session already open with that id.
func (r *Registry) Open(id, language string) (*Session, bool) {
	_, replaced := r.sessions[id]
	s := NewSession(id, language)
	r.sessions[id] = s
	return s, replaced
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters and returns the session for id.
func (r *Registry) Remove(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *Registry) Len() int { return len(r.sessions) }

// Discard drops every session without finalizing them and returns how many
// were open.
func (r *Registry) Discard() int {
	n := len(r.sessions)
	clear(r.sessions)
	return n
}
