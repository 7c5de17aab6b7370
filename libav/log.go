package astilibav

import (
	"regexp"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astimoq"
)

// EventNameLog is the name of libav log events
var EventNameLog astimoq.EventName = "astilibav.log"

// EventLog is the payload of a libav log event
type EventLog struct {
	Format string
	Level  astiav.LogLevel
	Msg    string
	Parent string
}

// LogOptions represents log options
type LogOptions struct {
	IgnoredMessages []*regexp.Regexp
	Level           astiav.LogLevel
}

// WithLog bridges libav logs into the event handler and logs them through the event logger
func WithLog(o LogOptions) astimoq.EventHandlerLogAdapter {
	return func(h *astimoq.EventHandler, l *astimoq.EventLogger) {
		// Set log level
		astiav.SetLogLevel(o.Level)

		// Set log callback
		astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, fmt, msg string) {
			// Get parent
			var parent string
			if c != nil {
				if cl := c.Class(); cl != nil {
					parent = cl.Name()
				}
			}

			// Emit event
			h.Emit(astimoq.Event{
				Name: EventNameLog,
				Payload: EventLog{
					Format: fmt,
					Level:  level,
					Msg:    msg,
					Parent: parent,
				},
			})
		})

		// Handle log
		h.AddForEventName(EventNameLog, logEventCallback(o, l))
	}
}

type eventLogWriter interface {
	Writek(lv astikit.LoggerLevel, key, msg string)
}

func logEventCallback(o LogOptions, l eventLogWriter) astimoq.EventCallback {
	return func(e astimoq.Event) bool {
		// Invalid payload
		v, ok := e.Payload.(EventLog)
		if !ok {
			return false
		}

		// Sanitize
		format := strings.TrimSpace(v.Format)
		msg := strings.TrimSpace(v.Msg)
		if msg == "" {
			return false
		}

		// Ignore
		for _, r := range o.IgnoredMessages {
			if r.MatchString(msg) {
				return false
			}
		}

		// Add prefix
		format = "astilibav: " + format
		msg = "astilibav: " + msg

		// Add parent
		if v.Parent != "" {
			msg += " (" + v.Parent + ")"
		}

		// Add level
		switch v.Level {
		case astiav.LogLevelDebug, astiav.LogLevelVerbose:
			l.Writek(astikit.LoggerLevelDebug, format, msg)
		case astiav.LogLevelInfo:
			l.Writek(astikit.LoggerLevelInfo, format, msg)
		case astiav.LogLevelError, astiav.LogLevelFatal, astiav.LogLevelPanic:
			if v.Level == astiav.LogLevelFatal {
				msg = "FATAL! " + msg
			} else if v.Level == astiav.LogLevelPanic {
				msg = "PANIC! " + msg
			}
			l.Writek(astikit.LoggerLevelError, format, msg)
		case astiav.LogLevelWarning:
			l.Writek(astikit.LoggerLevelWarn, format, msg)
		}
		return false
	}
}
