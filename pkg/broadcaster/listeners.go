package broadcaster

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// Disposable removes a registration. Dispose may be called more than once.
type Disposable interface {
	Dispose()
}

type disposeFunc struct {
	once sync.Once
	f    func()
}

func (d *disposeFunc) Dispose() {
	d.once.Do(d.f)
}

// delivery is one item on the dispatcher queue: either a status change or a
// message batch.
type delivery struct {
	status   *StatusChangeEvent
	messages []transport.Message
}

// dispatcher delivers status events and message batches to listeners from a
// single goroutine, in the order they were emitted. Its queue is unbounded so
// the manager never waits for a slow listener.
type dispatcher struct {
	logger *zap.Logger
	queue  *queue[delivery]
	done   chan struct{}
	// calling is set while a listener runs on the dispatcher goroutine.
	calling atomic.Bool

	mu               sync.RWMutex
	nextID           int
	statusListeners  map[int]func(StatusChangeEvent)
	messageListeners map[int]func([]transport.Message)
	statusOrder      []int
	messageOrder     []int
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger:           logger,
		queue:            newQueue[delivery](64),
		done:             make(chan struct{}),
		statusListeners:  make(map[int]func(StatusChangeEvent)),
		messageListeners: make(map[int]func([]transport.Message)),
	}
}

func (d *dispatcher) start() {
	go func() {
		defer close(d.done)
		for {
			item, ok := d.queue.Pop()
			if !ok {
				return
			}
			if item.status != nil {
				for _, fn := range d.statusSnapshot() {
					d.call(func() { fn(*item.status) })
				}
			} else {
				for _, fn := range d.messageSnapshot() {
					d.call(func() { fn(item.messages) })
				}
			}
		}
	}()
}

// stop delivers everything already queued, then returns. While a listener is
// running it only closes the queue, since the listener may be the caller.
func (d *dispatcher) stop() {
	d.queue.Close()
	if d.calling.Load() {
		return
	}
	<-d.done
}

func (d *dispatcher) call(f func()) {
	d.calling.Store(true)
	defer func() {
		d.calling.Store(false)
		if r := recover(); r != nil {
			d.logger.Error("Listener panicked", zap.Any("panic", r))
		}
	}()
	f()
}

func (d *dispatcher) emitStatus(ev StatusChangeEvent) {
	d.queue.Push(delivery{status: &ev})
}

func (d *dispatcher) emitMessages(messages []transport.Message) {
	d.queue.Push(delivery{messages: messages})
}

func (d *dispatcher) onStatus(fn func(StatusChangeEvent)) Disposable {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.statusListeners[id] = fn
	d.statusOrder = append(d.statusOrder, id)

	return &disposeFunc{f: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.statusListeners, id)
		d.statusOrder = removeID(d.statusOrder, id)
	}}
}

func (d *dispatcher) onMessages(fn func([]transport.Message)) Disposable {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.messageListeners[id] = fn
	d.messageOrder = append(d.messageOrder, id)

	return &disposeFunc{f: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.messageListeners, id)
		d.messageOrder = removeID(d.messageOrder, id)
	}}
}

func (d *dispatcher) statusSnapshot() []func(StatusChangeEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fns := make([]func(StatusChangeEvent), 0, len(d.statusOrder))
	for _, id := range d.statusOrder {
		fns = append(fns, d.statusListeners[id])
	}
	return fns
}

func (d *dispatcher) messageSnapshot() []func([]transport.Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fns := make([]func([]transport.Message), 0, len(d.messageOrder))
	for _, id := range d.messageOrder {
		fns = append(fns, d.messageListeners[id])
	}
	return fns
}

func removeID(ids []int, id int) []int {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
