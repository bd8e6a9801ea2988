package pipeline

import (
	"sync"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

type msgKind int

const (
	msgStart msgKind = iota
	msgTick
	msgAudioChunk
	msgStop
	msgFinish
	msgQuit
)

func (k msgKind) String() string {
	switch k {
	case msgStart:
		return "start"
	case msgTick:
		return "tick"
	case msgAudioChunk:
		return "audio_chunk"
	case msgStop:
		return "stop"
	case msgFinish:
		return "finish"
	case msgQuit:
		return "quit"
	default:
		return "unknown"
	}
}

type message struct {
	kind  msgKind
	chunk core.PCMChunk
}

// mailbox is an unbounded FIFO feeding the actor. Posting never blocks, so
// producers with real-time cadence are never held up by the consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post appends msg. It returns false once the mailbox is closed.
func (m *mailbox) post(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// receive blocks until a message is available. It returns false when the
// mailbox is closed and empty.
func (m *mailbox) receive() (message, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, true
		}
		if m.closed {
			m.mu.Unlock()
			return message{}, false
		}
		m.mu.Unlock()
		<-m.notify
	}
}

// close rejects further posts. Messages already queued stay receivable.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
