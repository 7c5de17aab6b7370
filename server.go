package astimoq

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiws"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// ServerSource is the part of a source the server controls
type ServerSource interface {
	ActivationID() string
	Deactivate()
	Handles() ChainHandles
	Settings() Settings
	State() State
	Update(st Settings) error
}

// ServerOptions represents server options
type ServerOptions struct {
	Logger  astikit.StdLogger
	Metrics *Metrics
	Source  ServerSource
}

// Server exposes a source over HTTP and pushes its events to websocket clients
type Server struct {
	cs       map[*astiws.Client]bool
	l        astikit.CompleteLogger
	m        *sync.Mutex // Locks snapshot
	mc       *sync.Mutex // Locks cs
	metrics  *Metrics
	snapshot *VideoFrame
	src      ServerSource
	ws       *astiws.Manager
}

// NewServer creates a new server
func NewServer(o ServerOptions) *Server {
	return &Server{
		cs:      make(map[*astiws.Client]bool),
		l:       astikit.AdaptStdLogger(o.Logger),
		m:       &sync.Mutex{},
		mc:      &sync.Mutex{},
		metrics: o.Metrics,
		src:     o.Source,
		ws:      astiws.NewManager(astiws.ManagerConfiguration{MaxMessageSize: 8192}, o.Logger),
	}
}

// Close closes the websocket clients
func (s *Server) Close() error {
	return s.ws.Close()
}

// Handler returns the server handler
func (s *Server) Handler() http.Handler {
	// Create router
	r := httprouter.New()

	// Add routes
	r.Handler(http.MethodGet, "/ok", s.serveOK())
	r.Handler(http.MethodGet, "/snapshot", s.serveSnapshot())
	r.Handler(http.MethodGet, "/source", s.serveSource())
	r.Handler(http.MethodPost, "/source", s.serveSourceUpdate())
	r.Handler(http.MethodPost, "/source/deactivate", s.serveSourceDeactivate())
	r.Handler(http.MethodGet, "/websocket", s.serveWebSocket())
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) serveOK() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {})
}

// ServerError is the body of a failed request
type ServerError struct {
	Message string `json:"message"`
}

func (s *Server) writeError(rw http.ResponseWriter, code int, err error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(ServerError{Message: err.Error()}); err != nil {
		s.l.Error(fmt.Errorf("astimoq: writing error failed: %w", err))
	}
}

// ServerSourceState is the body of GET /source
type ServerSourceState struct {
	ActivationID string       `json:"activation_id,omitempty"`
	Handles      ChainHandles `json:"handles"`
	Settings     Settings     `json:"settings"`
	State        State        `json:"state"`
}

func (s *Server) newServerSourceState() ServerSourceState {
	return ServerSourceState{
		ActivationID: s.src.ActivationID(),
		Handles:      s.src.Handles(),
		Settings:     s.src.Settings(),
		State:        s.src.State(),
	}
}

func (s *Server) writeSourceState(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(s.newServerSourceState()); err != nil {
		s.l.Error(fmt.Errorf("astimoq: writing failed: %w", err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
}

func (s *Server) serveSource() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.writeSourceState(rw)
	})
}

func (s *Server) serveSourceUpdate() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// Unmarshal
		var st Settings
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			s.writeError(rw, http.StatusBadRequest, fmt.Errorf("astimoq: unmarshaling settings failed: %w", err))
			return
		}

		// Update
		if err := s.src.Update(st); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidSettings) {
				code = http.StatusBadRequest
			}
			s.writeError(rw, code, err)
			return
		}

		// Write
		s.writeSourceState(rw)
	})
}

func (s *Server) serveSourceDeactivate() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.src.Deactivate()
		s.writeSourceState(rw)
	})
}

// SetSnapshot stores the latest rendered frame. The server keeps a reference to f.Data.
func (s *Server) SetSnapshot(f VideoFrame) {
	s.m.Lock()
	defer s.m.Unlock()
	s.snapshot = &f
}

func (s *Server) serveSnapshot() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// Get snapshot
		s.m.Lock()
		f := s.snapshot
		s.m.Unlock()

		// No snapshot
		if f == nil || f.Format != PixelFormatRGBA {
			rw.WriteHeader(http.StatusNotFound)
			return
		}

		// Encode
		rw.Header().Set("Content-Type", "image/png")
		if err := png.Encode(rw, &image.NRGBA{
			Pix:    f.Data,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
			Stride: f.Linesize,
		}); err != nil {
			s.l.Error(fmt.Errorf("astimoq: encoding snapshot failed: %w", err))
			return
		}
	})
}

func (s *Server) serveWebSocket() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := s.ws.ServeHTTP(rw, r, s.adaptWebSocketClient); err != nil {
			var e *websocket.CloseError
			if ok := errors.As(err, &e); !ok ||
				(e.Code != websocket.CloseNoStatusReceived && e.Code != websocket.CloseNormalClosure) {
				s.l.Error(fmt.Errorf("astimoq: handling websocket failed: %w", err))
			}
			return
		}
	})
}

func (s *Server) adaptWebSocketClient(c *astiws.Client) (err error) {
	// Add listeners
	c.AddListener(astiws.EventNameDisconnect, s.webSocketDisconnected)
	c.AddListener("ping", s.webSocketPing)

	// Welcome
	if err = c.Write("astimoq.welcome", s.newServerSourceState()); err != nil {
		err = fmt.Errorf("astimoq: writing welcome failed: %w", err)
		return
	}

	// Register client
	s.mc.Lock()
	s.cs[c] = true
	s.mc.Unlock()
	return
}

func (s *Server) webSocketDisconnected(c *astiws.Client, eventName string, payload json.RawMessage) error {
	s.mc.Lock()
	delete(s.cs, c)
	s.mc.Unlock()
	return nil
}

func (s *Server) webSocketPing(c *astiws.Client, eventName string, payload json.RawMessage) error {
	if err := c.ExtendConnection(); err != nil {
		s.l.Error(fmt.Errorf("astimoq: extending ws connection failed: %w", err))
	}
	return nil
}

func (s *Server) webSocketClients() (cs []*astiws.Client) {
	s.mc.Lock()
	defer s.mc.Unlock()
	for c := range s.cs {
		cs = append(cs, c)
	}
	return
}

func (s *Server) sendWebSocket(eventName string, payload interface{}) {
	// Loop through clients
	for _, c := range s.webSocketClients() {
		if err := c.Write(eventName, payload); err != nil {
			s.l.Error(fmt.Errorf("astimoq: writing event %s to websocket client %p failed: %w", eventName, c, err))
		}
	}
}

// EventHandlerAdapter forwards every event to websocket clients
func (s *Server) EventHandlerAdapter(eh *EventHandler) {
	eh.AddForAll(func(e Event) bool {
		s.sendWebSocket(string(e.Name), newServerEventPayload(e))
		return false
	})
}

func newServerEventPayload(e Event) interface{} {
	switch e.Name {
	case EventNameError:
		if err, ok := e.Payload.(error); ok {
			return err.Error()
		}
	case EventNameStats:
		if ss, ok := e.Payload.([]EventStat); ok {
			return newServerStats(ss)
		}
	}
	return e.Payload
}

// ServerStat is a stat as pushed to websocket clients
type ServerStat struct {
	Description string      `json:"description"`
	Label       string      `json:"label"`
	Name        string      `json:"name"`
	Unit        string      `json:"unit"`
	Value       interface{} `json:"value"`
}

func newServerStats(ss []EventStat) (o []ServerStat) {
	o = []ServerStat{}
	for _, s := range ss {
		o = append(o, ServerStat{
			Description: s.Description,
			Label:       s.Label,
			Name:        s.Name,
			Unit:        s.Unit,
			Value:       s.Value,
		})
	}
	return
}
