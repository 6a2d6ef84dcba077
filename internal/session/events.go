package session

// Subscribe registers a listener for state changes. Slow listeners miss
// events instead of blocking transitions, so buffer generously. The returned
// function unsubscribes and closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateChange, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once bool
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Manager) publish(ev StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
