package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"histfill/internal/domain"
	"histfill/internal/util"
)

// Gateway error codes with a fixed meaning.
const (
	codeNoSecurityDefinition = 200
	codeHistoricalData       = 162
	codeInvalidRequest       = 321
	codeMalformedRequest     = 322
	codeClientIDInUse        = 326
	codeNotConnected         = 504
	codeConnectivityLost     = 1100
)

// wireError is the error object carried by gateway frames.
type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// frame is the envelope for every gateway message. Server-initiated frames
// carry a Type; responses echo the request ID.
type frame struct {
	Type      string          `json:"type,omitempty"`
	ID        uint64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    any             `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	SessionID int             `json:"session_id,omitempty"`
}

// classify maps a gateway error onto the shared error taxonomy.
func classify(e *wireError) error {
	var kind error
	switch e.Code {
	case codeClientIDInUse:
		kind = domain.ErrSessionIDInUse
	case codeNoSecurityDefinition:
		kind = domain.ErrSymbolNotFound
	case codeInvalidRequest, codeMalformedRequest:
		kind = domain.ErrInvalidRequest
	case codeNotConnected, codeConnectivityLost:
		kind = domain.ErrConnection
	case codeHistoricalData:
		if strings.Contains(strings.ToLower(e.Message), "pacing") {
			kind = domain.ErrTimeout
		} else {
			kind = domain.ErrInvalidRequest
		}
	default:
		kind = domain.ErrInvalidRequest
	}
	return &domain.ProviderError{Code: e.Code, Message: e.Message, Kind: kind}
}

// WebsocketDialer opens gateway sessions over a websocket carrying JSON
// request/response frames.
type WebsocketDialer struct {
	// Path is the session endpoint; defaults to "/v1/session".
	Path string
	// Secure selects wss instead of ws.
	Secure bool
	Log    *slog.Logger
}

// Dial connects, waits for the gateway's hello (or rejection) and starts the
// session's reader goroutine.
func (d *WebsocketDialer) Dial(ctx context.Context, cfg ConnectionConfig) (Session, error) {
	path := d.Path
	if path == "" {
		path = "/v1/session"
	}
	scheme := "ws"
	if d.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("client_id", strconv.Itoa(cfg.ClientID))
	q.Set("read_only", strconv.FormatBool(cfg.ReadOnly))
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     path,
		RawQuery: q.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrConnection, u.Host, err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading hello: %w", domain.ErrConnection, err)
	}
	if hello.Error != nil {
		conn.Close()
		return nil, classify(hello.Error)
	}
	if hello.Type != "hello" {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame %q", domain.ErrConnection, hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &wsSession{
		clientID: cfg.ClientID,
		conn:     conn,
		pending:  make(map[uint64]chan frame),
		done:     make(chan struct{}),
		log:      util.OrDefault(d.Log).With("component", "gateway-ws", "client_id", cfg.ClientID),
	}
	go s.readLoop()
	return s, nil
}

// wsSession is a Session over one websocket connection.
type wsSession struct {
	clientID int
	conn     *websocket.Conn
	log      *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan frame

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) ClientID() int         { return s.clientID }
func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) Ping(ctx context.Context) error {
	return s.Call(ctx, "ping", nil, nil)
}

func (s *wsSession) Call(ctx context.Context, method string, params, out any) error {
	id := s.nextID.Add(1)
	ch := make(chan frame, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	err := s.conn.WriteJSON(frame{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: sending %s: %w", domain.ErrConnection, method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", domain.ErrTimeout, method)
		}
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("%w: session closed during %s", domain.ErrConnection, method)
	case resp := <-ch:
		if resp.Error != nil {
			return classify(resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
		}
		return nil
	}
}

// readLoop dispatches responses to waiting calls until the connection fails.
func (s *wsSession) readLoop() {
	defer s.Close()
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("gateway read failed", "error", err)
			}
			return
		}
		if f.ID == 0 {
			s.log.Debug("unsolicited gateway frame", "type", f.Type)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		s.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}
