package streaming

import "context"

// MultiPublisher fans a single Publish out to every wrapped Publisher, so
// the control loop can emit to a durable log sink and a live operator feed
// without knowing either exists. The first error is returned after every
// publisher has been attempted; a best-effort caller typically logs it and
// moves on rather than failing the triggering operation.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher wraps the given publishers, skipping any nil entries.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

func (m *MultiPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiPublisher) Close() error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
