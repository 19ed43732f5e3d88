package pipeline

// Exchanges tracks open request/reply exchanges of one pipeline instance
// in request order. Id 0 addresses the oldest open exchange, so stages
// work unchanged where messages carry no exchange id.
type Exchanges struct {
	ids []uint32
}

func (e *Exchanges) Open(id uint32) {
	e.ids = append(e.ids, id)
}

// Finish closes exchange id and reports whether it was open.
func (e *Exchanges) Finish(id uint32) bool {
	i := e.index(id)
	if i < 0 {
		return false
	}
	e.ids = append(e.ids[:i], e.ids[i+1:]...)
	return true
}

// Has reports whether a reply addressed to id would find an open exchange.
func (e *Exchanges) Has(id uint32) bool {
	return e.index(id) >= 0
}

func (e *Exchanges) Len() int {
	return len(e.ids)
}

// Clear forgets every open exchange and returns how many there were.
func (e *Exchanges) Clear() int {
	n := len(e.ids)
	e.ids = nil
	return n
}

func (e *Exchanges) index(id uint32) int {
	if id == 0 {
		if len(e.ids) == 0 {
			return -1
		}
		return 0
	}
	for i, open := range e.ids {
		if open == id {
			return i
		}
	}
	return -1
}
