package usecase

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

// Notifier fans status changes out to subscribed observers, synchronously
// and in subscription order. A panicking observer is logged and skipped.
type Notifier struct {
	mu        sync.RWMutex
	observers []subscription
	nextID    uint64
	logger    *zap.Logger
}

type subscription struct {
	id       uint64
	observer domain.StatusObserver
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Subscribe registers observer and returns a func that removes it.
func (n *Notifier) Subscribe(observer domain.StatusObserver) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.observers = append(n.observers, subscription{id: id, observer: observer})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.observers {
				if s.id == id {
					n.observers = append(n.observers[:i:i], n.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Notify delivers change to every observer registered at call time.
func (n *Notifier) Notify(change domain.StatusChange) {
	n.mu.RLock()
	snapshot := make([]subscription, len(n.observers))
	copy(snapshot, n.observers)
	n.mu.RUnlock()

	for _, s := range snapshot {
		n.deliver(s.observer, change)
	}
}

// Len returns the number of observers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

func (n *Notifier) deliver(observer domain.StatusObserver, change domain.StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("status observer panicked",
				zap.Any("panic", r),
				zap.Stringer("from", change.Old),
				zap.Stringer("to", change.New))
		}
	}()
	observer(change)
}

// ChannelObserver buffers status changes on a channel for consumers that
// cannot run inside the controller's transition. Changes arriving while the
// buffer is full are dropped and counted.
type ChannelObserver struct {
	ch      chan domain.StatusChange
	dropped atomic.Int64
}

// NewChannelObserver creates an observer with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelObserver{ch: make(chan domain.StatusChange, buffer)}
}

// Observe is the domain.StatusObserver to subscribe.
func (c *ChannelObserver) Observe(change domain.StatusChange) {
	select {
	case c.ch <- change:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side.
func (c *ChannelObserver) C() <-chan domain.StatusChange {
	return c.ch
}

// Dropped returns how many changes were discarded.
func (c *ChannelObserver) Dropped() int64 {
	return c.dropped.Load()
}
