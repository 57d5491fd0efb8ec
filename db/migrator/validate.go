package migrator

// objectSet tracks which schema objects exist at a point in a migration
// plan. When open is true, objects it has no record of are assumed to exist,
// which is used for purely static validation without a live database.
type objectSet struct {
	known map[string]objState
	open  bool
}

type objState struct {
	name    string
	present bool
}

func newObjectSet(existing []string, open bool) *objectSet {
	s := &objectSet{known: make(map[string]objState, len(existing)), open: open}
	for _, name := range existing {
		s.known[idkey(name)] = objState{name: name, present: true}
	}
	return s
}

// lookup reports whether the object is present, and whether the set has any
// record of it at all.
func (s *objectSet) lookup(name string) (present, known bool) {
	st, ok := s.known[idkey(name)]
	return st.present, ok
}

// has reports whether the object is present, assuming unknown objects exist
// in an open set.
func (s *objectSet) has(name string) bool {
	if st, ok := s.known[idkey(name)]; ok {
		return st.present
	}
	return s.open
}

func (s *objectSet) set(name string, present bool) {
	s.known[idkey(name)] = objState{name: name, present: present}
}

// Validate checks that the script's steps reference schema objects in a
// possible order, without consulting a database: no statement may use an
// object before a step provides it or after a step drops it, and nothing may
// be created twice. Objects the script doesn't itself create are assumed to
// pre-exist.
func (s *Script) Validate() error {
	_, err := s.validate(newObjectSet(nil, true))
	return err
}

// validate walks the script against the given set of existing objects,
// returning the set as it would look after the script has run. The passed
// set is modified in place.
func (s *Script) validate(objs *objectSet) (*objectSet, error) {
	for _, step := range s.Steps {
		for _, stmt := range step.Statements {
			if err := objs.apply(step, stmt); err != nil {
				return nil, err
			}
		}
	}
	return objs, nil
}

// apply checks a single statement against the set and records its effect.
func (o *objectSet) apply(step *Step, stmt *Statement) error {
	for _, read := range stmt.reads {
		if !o.has(read) {
			return &DependencyOrderError{Step: step.Name, Object: read}
		}
	}
	if stmt.writes != "" && !o.has(stmt.writes) {
		return &DependencyOrderError{Step: step.Name, Object: stmt.writes}
	}

	switch {
	case stmt.creates != "":
		if present, known := o.lookup(stmt.creates); known && present && !stmt.ifNotExists {
			return &SchemaConflictError{Object: stmt.creates}
		}
		o.set(stmt.creates, true)
	case stmt.drops != "":
		if !o.has(stmt.drops) && !stmt.ifExists {
			return &DependencyOrderError{Step: step.Name, Object: stmt.drops}
		}
		o.set(stmt.drops, false)
	case stmt.renameOld != "":
		if !o.has(stmt.renameOld) {
			return &DependencyOrderError{Step: step.Name, Object: stmt.renameOld}
		}
		if present, known := o.lookup(stmt.renameNew); known && present {
			return &SchemaConflictError{Object: stmt.renameNew}
		}
		o.set(stmt.renameOld, false)
		o.set(stmt.renameNew, true)
	}

	return nil
}
