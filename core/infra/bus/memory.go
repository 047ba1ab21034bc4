package bus

import (
	"sync"
)

// InProc is an in-process bus used by tests and single-binary deployments.
// Delivery is synchronous in publish order.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string][]func(Event) error
	closed   bool
}

// NewInProc constructs an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{handlers: map[string][]func(Event) error{}}
}

func (b *InProc) Publish(subject string, ev Event) error {
	if subject == "" {
		return errEmptySubject
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errNilBus
	}
	handlers := append([]func(Event) error(nil), b.handlers[subject]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler. The queue argument is accepted for interface
// parity but every handler receives every event.
func (b *InProc) Subscribe(subject, queue string, handler func(Event) error) error {
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errNilBus
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func (b *InProc) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = map[string][]func(Event) error{}
}
