// v1
// internal/app/status.go
package app

import (
	"fmt"

	"github.com/tcalmant/nfc-voting/internal/assign"
	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/httpapi"
	"github.com/tcalmant/nfc-voting/internal/machine"
)

// Phase reports the current phase name.
func (m *Machine) Phase() string {
	return m.gate.Phase().String()
}

// Readers lists attached readers with their assignment state or binding.
func (m *Machine) Readers() []httpapi.ReaderView {
	m.mu.Lock()
	coord := m.coord
	m.mu.Unlock()

	states := map[string]httpapi.ReaderView{}
	if coord != nil && m.gate.Phase() == machine.Assignment {
		for _, st := range coord.Statuses() {
			states[st.Reader] = httpapi.ReaderView{State: st.StateStr, Value: string(st.Value)}
		}
	}
	snapshot := m.gate.Bindings()

	active := m.registry.Active()
	out := make([]httpapi.ReaderView, 0, len(active))
	for _, h := range active {
		v := states[h.ID]
		v.ID, v.Seq, v.AttachedAt = h.ID, h.Seq, h.AttachedAt
		if snapshot != nil {
			if val, ok := snapshot.Lookup(h.ID); ok {
				v.Value, v.State = string(val), "bound"
			} else {
				v.State = "unbound"
			}
		}
		out = append(out, v)
	}
	return out
}

// Bindings returns the voting snapshot, or the bindings made so far while
// assigning.
func (m *Machine) Bindings() []binding.Binding {
	if s := m.gate.Bindings(); s != nil {
		return s.All()
	}
	m.mu.Lock()
	coord := m.coord
	m.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Report().Bound
}

// Counters summarises dispatch outcomes and the journal backlog.
func (m *Machine) Counters() httpapi.Counters {
	var c httpapi.Counters
	m.mu.Lock()
	disp := m.dispatcher
	m.mu.Unlock()
	if disp != nil {
		s := disp.Stats()
		c.Published, c.Dropped, c.Lost = s.Published, s.Dropped, s.Lost
	}
	if m.journal != nil {
		c.Journaled = m.journal.Len()
	}
	return c
}

// ArmReader arms one reader during assignment.
func (m *Machine) ArmReader(id string) error {
	coord, err := m.assigning()
	if err != nil {
		return err
	}
	return coord.Arm(id)
}

// ForgetReader drops a reader's binding during assignment and returns its
// value to the pool.
func (m *Machine) ForgetReader(id string) error {
	coord, err := m.assigning()
	if err != nil {
		return err
	}
	return coord.Unbind(id)
}

func (m *Machine) assigning() (*assign.Coordinator, error) {
	m.mu.Lock()
	coord := m.coord
	m.mu.Unlock()
	if coord == nil || m.gate.Phase() != machine.Assignment {
		return nil, fmt.Errorf("%w: no assignment in progress", machine.ErrWrongPhase)
	}
	return coord, nil
}

var (
	_ httpapi.StatusSource  = (*Machine)(nil)
	_ httpapi.ReaderControl = (*Machine)(nil)
)
