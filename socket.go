package magma

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket is the low-level WebSocket transport used by Node. It knows
// nothing about resume, backoff, or Lavalink semantics: it opens one
// connection, serializes writes onto a single goroutine (gorilla's
// websocket.Conn forbids concurrent writers), and fans reads out to a
// caller-supplied callback. Node owns everything above that line.
type socket struct {
	dialer   *websocket.Dialer
	endpoint *url.URL

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	sendChan  chan wsFrame

	// OnData is invoked once per inbound text frame.
	OnData func([]byte)
	// OnClose is invoked exactly once when the read loop exits, whether
	// because of a remote close, a transport error, or Close being
	// called locally. remote is true unless Close() initiated it.
	OnClose func(remote bool, err error)
}

type wsFrame struct {
	data    []byte
	errChan chan error
}

func newSocket(endpoint string, bufferSize int) (*socket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	return &socket{
		dialer: &websocket.Dialer{
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		endpoint: u,
		sendChan: make(chan wsFrame),
		OnData:   func([]byte) {},
		OnClose:  func(bool, error) {},
	}, nil
}

// Connect dials once; the caller (Node) is responsible for retry/backoff.
func (s *socket) Connect(headers http.Header) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("magma: socket already connected")
	}
	conn, _, err := s.dialer.Dial(s.endpoint.String(), headers)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.sendLoop()
	go s.readLoop()
	return nil
}

func (s *socket) sendLoop() {
	for frame := range s.sendChan {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			frame.errChan <- errors.New("magma: socket closed")
			continue
		}
		frame.errChan <- conn.WriteMessage(websocket.TextMessage, frame.data)
	}
}

func (s *socket) readLoop() {
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasLocalClose := !s.connected
			s.connected = false
			s.mu.Unlock()
			s.OnClose(!wasLocalClose, err)
			return
		}
		s.OnData(data)
	}
}

func (s *socket) Send(data []byte) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return errors.New("magma: can't send, socket not connected")
	}
	if len(data) == 0 {
		return errors.New("magma: can't send empty payload")
	}
	errChan := make(chan error, 1)
	s.sendChan <- wsFrame{data, errChan}
	return <-errChan
}

func (s *socket) SendJSON(value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (s *socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close shuts the socket down locally; OnClose still fires (remote=false)
// so Node's teardown path is uniform regardless of who initiated it.
func (s *socket) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errors.New("magma: socket already closed")
	}
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	closeErr := conn.Close()
	if err == nil {
		err = closeErr
	}
	return err
}
