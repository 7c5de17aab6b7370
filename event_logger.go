package astimoq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
)

// EventLogger logs events and can merge identical messages logged within a period
type EventLogger struct {
	cancel               context.CancelFunc
	ctx                  context.Context
	is                   map[string]*eventLoggerItem // Indexed by key
	l                    astikit.CompleteLogger
	m                    *sync.Mutex // Locks is
	messageMergingPeriod time.Duration
}

type eventLoggerItem struct {
	count     int
	createdAt time.Time
	key       string
	l         astikit.LoggerLevel
	msg       string
}

func newEventLoggerItem(key, msg string, l astikit.LoggerLevel) *eventLoggerItem {
	return &eventLoggerItem{
		createdAt: time.Now(),
		key:       key,
		l:         l,
		msg:       msg,
	}
}

func newEventLogger(i astikit.StdLogger) *EventLogger {
	return &EventLogger{
		is: make(map[string]*eventLoggerItem),
		l:  astikit.AdaptStdLogger(i),
		m:  &sync.Mutex{},
	}
}

// Start starts the event logger
func (l *EventLogger) Start(ctx context.Context) *EventLogger {
	// Create context
	l.ctx, l.cancel = context.WithCancel(ctx)

	// No need to start anything
	if l.messageMergingPeriod == 0 {
		return l
	}

	// Execute in a goroutine since this is blocking
	go func() {
		// Create ticker
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()

		// Loop
		for {
			select {
			case <-t.C:
				l.tick()
			case <-l.ctx.Done():
				return
			}
		}
	}()
	return l
}

// Close stops the event logger and dumps merged messages
func (l *EventLogger) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.purge()
}

func (l *EventLogger) tick() {
	// Lock
	l.m.Lock()
	defer l.m.Unlock()

	// Get now
	n := time.Now()

	// Loop through items
	for k, i := range l.is {
		// Period has been reached
		if n.Sub(i.createdAt) > l.messageMergingPeriod {
			l.dumpItem(k, i)
		}
	}
}

func (l *EventLogger) purge() {
	// Lock
	l.m.Lock()
	defer l.m.Unlock()

	// Loop through items
	for k, i := range l.is {
		l.dumpItem(k, i)
	}
}

func (l *EventLogger) dumpItem(k string, i *eventLoggerItem) {
	if i.count > 1 {
		l.write(fmt.Sprintf("astimoq: pattern repeated %d times: %s", i.count, i.key), i.l)
	} else if i.count == 1 {
		l.write("astimoq: pattern repeated once: "+i.msg, i.l)
	}
	delete(l.is, k)
}

func (l *EventLogger) process(key, msg string, lv astikit.LoggerLevel) {
	// Merge messages
	if l.messageMergingPeriod > 0 {
		if stop := l.merge(key, msg, lv); stop {
			return
		}
	}

	// Write
	l.write(msg, lv)
}

func (l *EventLogger) merge(key, msg string, lv astikit.LoggerLevel) (stop bool) {
	// Lock
	l.m.Lock()
	defer l.m.Unlock()

	// Create final key
	k := lv.String() + ":" + key

	// Check whether item exists
	i, ok := l.is[k]
	if ok {
		i.count++
		return true
	}

	// Create item
	l.is[k] = newEventLoggerItem(key, msg, lv)
	return false
}

func (l *EventLogger) write(msg string, lv astikit.LoggerLevel) {
	switch lv {
	case astikit.LoggerLevelDebug:
		l.l.Debug(msg)
	case astikit.LoggerLevelError:
		l.l.Error(msg)
	case astikit.LoggerLevelWarn:
		l.l.Warn(msg)
	default:
		l.l.Info(msg)
	}
}

// Writef logs a message built from a format. The message is its own merging key.
func (l *EventLogger) Writef(lv astikit.LoggerLevel, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.process(msg, msg, lv)
}

// Writek logs a message merged with other messages sharing the same key
func (l *EventLogger) Writek(lv astikit.LoggerLevel, key, msg string) {
	l.process(key, msg, lv)
}
