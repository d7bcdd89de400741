// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nav

// State is the current page and the one before it.
type State struct {
	Current  PageID
	Previous PageID
}

// Machine tracks navigation through a Graph.
//
// Not safe for concurrent use; the owning session serialises access.
type Machine struct {
	graph Graph
	state State
}

// NewMachine returns a machine positioned nowhere. The first Visit has
// direction None.
func NewMachine(g Graph) *Machine {
	return &Machine{graph: g}
}

// Graph returns the page graph.
func (m *Machine) Graph() Graph {
	return m.graph
}

// SetGraph swaps the page graph, e.g. after the question set reloads. The
// current position is kept.
func (m *Machine) SetGraph(g Graph) {
	m.graph = g
}

// Visit moves to p and returns the animation direction.
func (m *Machine) Visit(p PageID) Direction {
	prev := m.state.Current
	m.state = State{Current: p, Previous: prev}
	if prev == "" {
		return None
	}
	return m.graph.Direction(prev, p)
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Reset forgets the position.
func (m *Machine) Reset() {
	m.state = State{}
}
