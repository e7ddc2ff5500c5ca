package monitor

type handler[F any] struct {
	f    F
	once bool
}

// handlers is a list of callbacks, some of them removing themselves after the first call.
// Not safe for concurrent use, guarded by Monitor.mx.
type handlers[F any] struct {
	list []handler[F]
}

func (h *handlers[F]) add(f F, once bool) {
	h.list = append(h.list, handler[F]{f: f, once: once})
}

// take returns the callbacks to run now and deregisters the one-shot ones
func (h *handlers[F]) take() []F {
	if len(h.list) == 0 {
		return nil
	}
	ret := make([]F, 0, len(h.list))
	kept := h.list[:0]
	for _, x := range h.list {
		ret = append(ret, x.f)
		if !x.once {
			kept = append(kept, x)
		}
	}
	clear(h.list[len(kept):])
	h.list = kept
	return ret
}

func (h *handlers[F]) clearOnce() {
	kept := h.list[:0]
	for _, x := range h.list {
		if !x.once {
			kept = append(kept, x)
		}
	}
	clear(h.list[len(kept):])
	h.list = kept
}

func (h *handlers[F]) clear() {
	h.list = nil
}

func (h *handlers[F]) len() int {
	return len(h.list)
}
