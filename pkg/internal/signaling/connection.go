package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/google/uuid"
)

// Connection is one open signaling channel of one user in one room.
// Outbound frames wait in a bounded queue drained by the socket writer.
type Connection struct {
	ID   string
	Room string
	User uint

	mu    sync.Mutex
	queue []models.SignalMessage
	size  int
	ready chan struct{}

	done        chan struct{}
	once        sync.Once
	closeCode   int
	closeReason string

	lastSeen atomic.Int64
}

func NewConnection(room string, user uint, size int) *Connection {
	if size <= 0 {
		size = DefaultOptions().QueueSize
	}
	conn := &Connection{
		ID:    uuid.NewString(),
		Room:  room,
		User:  user,
		queue: make([]models.SignalMessage, 0, size),
		size:  size,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	conn.Touch()
	return conn
}

// Enqueue never blocks. When the queue is full a presence frame is coalesced
// with queued presence frames, while any other frame fails with ErrQueueFull.
func (c *Connection) Enqueue(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}

	if len(c.queue) >= c.size {
		if msg.Type != models.SignalPresence {
			return ErrQueueFull
		}
		if !c.coalesce(msg) {
			// Only negotiation frames are queued, the presence update is dropped.
			return nil
		}
	} else {
		c.queue = append(c.queue, msg)
	}

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// coalesce makes room for a presence frame in a full queue.
// Must be called with c.mu held.
func (c *Connection) coalesce(msg models.SignalMessage) bool {
	oldest := -1
	for idx, item := range c.queue {
		if item.Type != models.SignalPresence {
			continue
		}
		if item.From == msg.From {
			c.queue[idx] = msg
			return true
		}
		if oldest < 0 {
			oldest = idx
		}
	}
	if oldest < 0 {
		return false
	}
	c.queue = append(c.queue[:oldest], c.queue[oldest+1:]...)
	c.queue = append(c.queue, msg)
	return true
}

// Pop takes the next queued frame. Frames queued before the close stay poppable
// so the writer can flush them ahead of the close frame.
func (c *Connection) Pop() (models.SignalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return models.SignalMessage{}, false
	}
	msg := c.queue[0]
	c.queue[0] = models.SignalMessage{}
	c.queue = c.queue[1:]
	return msg, true
}

// Pending is the number of queued frames.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Ready fires after frames were queued.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseWith closes the connection once; later calls keep the first code and reason.
// Safe to call from the owning reader, the writer and any room teardown concurrently.
func (c *Connection) CloseWith(code int, reason string) bool {
	closed := false
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
		c.mu.Unlock()
		closed = true
	})
	return closed
}

func (c *Connection) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed()
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Touch records inbound activity, a frame or a pong.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
