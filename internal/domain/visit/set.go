package visit

// Set is the in-memory collection of visits for a session.
// Records are keyed by id, kept in insertion order, and indexed by the
// member's currently open visit.
//
// Set is not safe for concurrent use; the tracker owns it and hands out clones.
type Set struct {
	byID   map[string]*Record
	order  []string
	openBy map[string]string // memberID -> open visit id
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{
		byID:   make(map[string]*Record),
		openBy: make(map[string]string),
	}
}

// Len returns the number of visits.
func (s *Set) Len() int {
	return len(s.order)
}

// Get returns a copy of the visit with the given id.
func (s *Set) Get(id string) (Record, bool) {
	r, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// OpenFor returns a copy of the member's open visit, if any.
// POST: O(1) lookup through the open index
func (s *Set) OpenFor(memberID string) (Record, bool) {
	id, ok := s.openBy[memberID]
	if !ok {
		return Record{}, false
	}
	return s.Get(id)
}

// Put inserts or replaces a record and maintains the open index.
// A replaced record keeps its position in the insertion order.
// PRE: r has passed Validate
// INVARIANT: at most one open visit per member
func (s *Set) Put(r Record) {
	r = r.Clone()
	if old, ok := s.byID[r.ID]; ok {
		if s.openBy[old.MemberID] == old.ID {
			delete(s.openBy, old.MemberID)
		}
	} else {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = &r
	if r.IsOpen() {
		s.openBy[r.MemberID] = r.ID
	}
}

// Rekey moves a record from oldID to newID in place, preserving its position.
// Returns false if oldID is unknown or newID is already taken by another record.
func (s *Set) Rekey(oldID, newID string) bool {
	r, ok := s.byID[oldID]
	if !ok {
		return false
	}
	if oldID == newID {
		return true
	}
	if _, taken := s.byID[newID]; taken {
		return false
	}
	delete(s.byID, oldID)
	r.ID = newID
	s.byID[newID] = r
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
	if s.openBy[r.MemberID] == oldID {
		s.openBy[r.MemberID] = newID
	}
	return true
}

// Remove deletes a record. Returns false if it was not present.
func (s *Set) Remove(id string) bool {
	r, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if s.openBy[r.MemberID] == id {
		delete(s.openBy, r.MemberID)
	}
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns copies of every record in insertion order.
func (s *Set) All() []Record {
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// LatestWhere returns a copy of the most recently inserted record matching pred.
func (s *Set) LatestWhere(pred func(r *Record) bool) (Record, bool) {
	for i := len(s.order) - 1; i >= 0; i-- {
		if r := s.byID[s.order[i]]; pred(r) {
			return r.Clone(), true
		}
	}
	return Record{}, false
}

// OpenCount returns the number of members currently checked in.
func (s *Set) OpenCount() int {
	return len(s.openBy)
}

// Clone returns an independent deep copy.
func (s *Set) Clone() *Set {
	c := &Set{
		byID:   make(map[string]*Record, len(s.byID)),
		order:  make([]string, len(s.order)),
		openBy: make(map[string]string, len(s.openBy)),
	}
	copy(c.order, s.order)
	for id, r := range s.byID {
		cp := r.Clone()
		c.byID[id] = &cp
	}
	for m, id := range s.openBy {
		c.openBy[m] = id
	}
	return c
}
