package tunnel

import "github.com/tunneld/tunneld/internal/protocol"

// registry is the per-session table of active stream bridges. It
// carries no lock: the owning ControlSession only ever mutates it
// from its single actor goroutine, so registry itself stays a plain
// map.
type registry struct {
	streams map[protocol.StreamID]*Bridge
}

func newRegistry() *registry {
	return &registry{streams: make(map[protocol.StreamID]*Bridge)}
}

func (r *registry) add(b *Bridge) {
	r.streams[b.StreamID] = b
}

func (r *registry) remove(id protocol.StreamID) {
	delete(r.streams, id)
}

func (r *registry) get(id protocol.StreamID) (*Bridge, bool) {
	b, ok := r.streams[id]
	return b, ok
}

func (r *registry) len() int {
	return len(r.streams)
}
