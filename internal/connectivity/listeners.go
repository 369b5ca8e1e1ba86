package connectivity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/orrn/printstation/internal/logger"
)

type Event string

const (
	EventOnline              Event = "online"
	EventOffline             Event = "offline"
	EventBackendConnected    Event = "backend-connected"
	EventBackendDisconnected Event = "backend-disconnected"
)

type ListenerID string

type listener struct {
	id    ListenerID
	event Event
	fn    func()
}

// listeners runs callbacks synchronously in registration order. A panicking
// callback is logged and does not stop the others.
type listeners struct {
	mu   sync.Mutex
	list []listener
	log  logger.Logger
}

func (l *listeners) add(event Event, fn func()) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := ListenerID(uuid.NewString())
	l.list = append(l.list, listener{id: id, event: event, fn: fn})
	return id
}

func (l *listeners) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ln := range l.list {
		if ln.id == id {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners) emit(event Event) {
	l.mu.Lock()
	var fns []func()
	for _, ln := range l.list {
		if ln.event == event {
			fns = append(fns, ln.fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(event, fn)
	}
}

func (l *listeners) call(event Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("listener panicked",
				logger.String("event", string(event)),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
