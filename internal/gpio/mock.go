// SPDX-License-Identifier: MIT

package gpio

import (
	"sync"
)

// MockBackend is an in-memory Backend for tests and hardware-less
// deployments. It records logical line states and lets tests trigger
// win-sensor edges.
type MockBackend struct {
	mu       sync.Mutex
	outputs  map[int]*mockLine
	onAssert func()
}

// NewMockBackend returns an empty mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{outputs: make(map[int]*mockLine)}
}

func (m *MockBackend) OpenOutput(pin int, activeLow bool) (Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &mockLine{backend: m, pin: pin}
	m.outputs[pin] = l
	return l, nil
}

func (m *MockBackend) OpenInput(pin int, pullUp bool, onAssert func()) (InputLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAssert = onAssert
	return &mockInput{}, nil
}

func (m *MockBackend) Close() error { return nil }

// PinState reports the logical state of an output pin.
func (m *MockBackend) PinState(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.outputs[pin]; ok {
		return l.state()
	}
	return false
}

// TriggerWin simulates a win-sensor assertion edge.
func (m *MockBackend) TriggerWin() {
	m.mu.Lock()
	fn := m.onAssert
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type mockLine struct {
	backend *MockBackend
	pin     int

	mu sync.Mutex
	on bool
}

func (l *mockLine) Set(on bool) error {
	l.mu.Lock()
	l.on = on
	l.mu.Unlock()
	return nil
}

func (l *mockLine) state() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *mockLine) Close() error { return nil }

type mockInput struct{}

func (*mockInput) Close() error { return nil }
