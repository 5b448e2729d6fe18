package board

import (
	"slices"
	"strings"
)

// Selection is an explicit set of application IDs picked for a bulk view or
// action. The zero value is empty and ready to use.
type Selection struct {
	ids map[string]struct{}
}

// NewSelection returns a selection holding ids. Blank ids are ignored.
func NewSelection(ids ...string) *Selection {
	s := &Selection{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// ParseSelection reads a comma-separated ID list. An empty string yields
// nil, meaning no selection filter.
func ParseSelection(raw string) *Selection {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NewSelection(strings.Split(raw, ",")...)
}

// Add puts id in the selection.
func (s *Selection) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	s.ids[id] = struct{}{}
}

// Remove takes id out of the selection.
func (s *Selection) Remove(id string) {
	delete(s.ids, strings.TrimSpace(id))
}

// Toggle flips membership of id and reports whether it is now selected.
func (s *Selection) Toggle(id string) bool {
	if s.Has(id) {
		s.Remove(id)
		return false
	}
	s.Add(id)
	return s.Has(id)
}

// Has reports whether id is selected. A nil selection has nothing.
func (s *Selection) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[strings.TrimSpace(id)]
	return ok
}

// Len is the number of selected IDs.
func (s *Selection) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the selected IDs in sorted order.
func (s *Selection) IDs() []string {
	out := make([]string, 0, s.Len())
	if s == nil {
		return out
	}
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
