package breaker

import (
	"fmt"
	"sort"
)

// Class names a family of protected operations. Each class gets its own breaker.
type Class string

const (
	ClassFileIO     Class = "file_io"
	ClassCommand    Class = "command"
	ClassNetwork    Class = "network"
	ClassTask       Class = "task"
	ClassConnection Class = "connection"
)

// Classes returns every operation class in a stable order
func Classes() []Class {
	return []Class{ClassFileIO, ClassCommand, ClassNetwork, ClassTask, ClassConnection}
}

// Set is the named collection of breakers owned by one agent
type Set struct {
	breakers map[Class]*Breaker
	order    []Class
}

// NewSet builds one breaker per class from base. Breaker names are
// "<prefix>.<class>". With no classes given, every class is created.
func NewSet(prefix string, base Config, classes ...Class) (*Set, error) {
	if len(classes) == 0 {
		classes = Classes()
	}

	s := &Set{breakers: make(map[Class]*Breaker, len(classes))}
	for _, class := range classes {
		if _, dup := s.breakers[class]; dup {
			continue
		}
		cfg := base
		cfg.Name = string(class)
		if prefix != "" {
			cfg.Name = prefix + "." + string(class)
		}
		b, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s breaker: %w", class, err)
		}
		s.breakers[class] = b
		s.order = append(s.order, class)
	}
	return s, nil
}

// Get returns the breaker for a class, or nil
func (s *Set) Get(class Class) *Breaker {
	return s.breakers[class]
}

// OpenBreakers lists the classes whose breaker is currently open
func (s *Set) OpenBreakers() []Class {
	var open []Class
	for _, class := range s.order {
		if s.breakers[class].State() == StateOpen {
			open = append(open, class)
		}
	}
	return open
}

// ResetOpenToHalfOpen forces every open breaker to half-open and returns how many moved.
func (s *Set) ResetOpenToHalfOpen() int {
	moved := 0
	for _, class := range s.OpenBreakers() {
		if err := s.breakers[class].ForceState(StateHalfOpen); err == nil {
			moved++
		}
	}
	return moved
}

// ScaleTimeouts applies ScaleTimeout to every breaker
func (s *Set) ScaleTimeouts(factor float64) {
	for _, b := range s.breakers {
		b.ScaleTimeout(factor)
	}
}

// OnEvent registers listener on every breaker in the set
func (s *Set) OnEvent(listener Listener) {
	for _, b := range s.breakers {
		b.OnEvent(listener)
	}
}

// Snapshot returns stats for every breaker keyed by class
func (s *Set) Snapshot() map[Class]Stats {
	out := make(map[Class]Stats, len(s.breakers))
	for class, b := range s.breakers {
		out[class] = b.Stats()
	}
	return out
}

// Names returns the classes in the set, sorted
func (s *Set) Names() []Class {
	names := make([]Class, len(s.order))
	copy(names, s.order)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
