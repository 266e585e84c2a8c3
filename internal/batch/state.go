package batch

// State is the staging state of one batch. It is created empty, populated
// while facts are parsed and entities generated, and cleared once the batch
// has been persisted.
type State struct {
	Facts    *Facts
	Entities *Registry
}

// NewState returns an empty batch state.
func NewState() *State {
	return &State{
		Facts:    NewFacts(),
		Entities: NewRegistry(),
	}
}

// Clear resets both the fact store and the entity registry.
func (s *State) Clear() {
	s.Facts.Clear()
	s.Entities.Clear()
}

// Empty reports whether no facts and no entities are staged.
func (s *State) Empty() bool {
	if s.Facts.Len() > 0 {
		return false
	}
	for _, k := range s.Entities.kinds {
		if len(k.items) > 0 {
			return false
		}
	}
	return true
}
