package dashboard

import "sync"

// Broadcast fans input bytes out to registered consumers by channel
// id. All methods are short critical sections that never block on
// the consumer; a consumer that cannot keep up loses bytes.
type Broadcast struct {
	mu      sync.Mutex
	targets map[uint32]chan<- []byte
}

// NewBroadcast builds an empty table.
func NewBroadcast() *Broadcast {
	return &Broadcast{targets: make(map[uint32]chan<- []byte)}
}

// Add registers target under id, replacing any previous entry.
func (b *Broadcast) Add(id uint32, target chan<- []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[id] = target
}

// Remove drops the entry for id.
func (b *Broadcast) Remove(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, id)
}

// Send delivers buf to the consumer registered under id, if any.
func (b *Broadcast) Send(id uint32, buf []byte) bool {
	b.mu.Lock()
	target, ok := b.targets[id]
	b.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case target <- buf:
		return true
	default:
		return false
	}
}

// All delivers buf to every registered consumer.
func (b *Broadcast) All(buf []byte) {
	b.mu.Lock()
	targets := make([]chan<- []byte, 0, len(b.targets))
	for _, t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		select {
		case t <- buf:
		default:
		}
	}
}
