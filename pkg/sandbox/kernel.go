package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errSessionClosed = errors.New("kernel connection closed")

// kernelClient talks to a Jupyter server: REST for kernels and contents,
// websocket for kernel channels.
type kernelClient struct {
	baseURL    *url.URL
	token      string
	kernelName string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu      sync.Mutex
	session *session
}

func newKernelClient(rawURL, token, kernelName string, httpClient *http.Client, logger *slog.Logger) (*kernelClient, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: sandbox url %q", apperrors.ErrInvalidInput, rawURL)
	}
	return &kernelClient{
		baseURL:    u,
		token:      token,
		kernelName: kernelName,
		httpClient: httpClient,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}, nil
}

func (k *kernelClient) endpoint(parts ...string) string {
	u := *k.baseURL
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
			if seg != "" {
				escaped = append(escaped, url.PathEscape(seg))
			}
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (k *kernelClient) authHeader() http.Header {
	h := http.Header{}
	if k.token != "" {
		h.Set("Authorization", "token "+k.token)
	}
	return h
}

// doJSON sends body as JSON and decodes a JSON response into out.
func (k *kernelClient) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header = k.authHeader()
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sandbox %s %s: %v", apperrors.ErrUpstream, method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: sandbox response: %v", apperrors.ErrUpstream, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: sandbox %s %s returned %d: %s", apperrors.ErrUpstream, method, endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode sandbox response: %v", apperrors.ErrUpstream, err)
		}
	}
	return nil
}

// current returns the live kernel session, starting one if needed. The same
// kernel is reused so notebook state persists across executions.
func (k *kernelClient) current(ctx context.Context) (*session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.session != nil && !k.session.closed() {
		return k.session, nil
	}
	if k.session != nil {
		k.logger.Warn("sandbox kernel connection lost, starting a new kernel", "kernel", k.session.kernelID, "error", k.session.err())
	}

	var kernel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := k.doJSON(ctx, http.MethodPost, k.endpoint("api", "kernels"), map[string]string{"name": k.kernelName}, &kernel); err != nil {
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}
	if kernel.ID == "" {
		return nil, fmt.Errorf("%w: sandbox returned no kernel id", apperrors.ErrUpstream)
	}

	s, err := k.connect(ctx, kernel.ID)
	if err != nil {
		return nil, err
	}
	k.logger.Info("sandbox kernel started", "kernel", kernel.ID, "name", kernel.Name)
	k.session = s
	return s, nil
}

func (k *kernelClient) connect(ctx context.Context, kernelID string) (*session, error) {
	sessionID := uuid.NewString()
	wsURL, err := url.Parse(k.endpoint("api", "kernels", kernelID, "channels"))
	if err != nil {
		return nil, err
	}
	wsURL.Scheme = "ws"
	if k.baseURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.RawQuery = url.Values{"session_id": {sessionID}}.Encode()

	conn, resp, err := k.dialer.DialContext(ctx, wsURL.String(), k.authHeader())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connect to kernel %s: %v", apperrors.ErrUpstream, kernelID, err)
	}

	s := &session{
		id:       sessionID,
		kernelID: kernelID,
		conn:     conn,
		pending:  make(map[string]*request),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Close shuts down the kernel connection. The remote kernel is left for the
// server to cull.
func (k *kernelClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return nil
	}
	err := k.session.close(errSessionClosed)
	k.session = nil
	return err
}

// request is one in-flight execution waiting for its replies.
type request struct {
	msgs      chan message
	abandoned chan struct{}
}

// session is a websocket connection to one kernel. A single reader goroutine
// routes replies to requests by parent msg_id; writes are serialized.
type session struct {
	id       string
	kernelID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*request
	done    chan struct{}
	failure error
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *session) close(cause error) error {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return nil
	}
	s.failure = cause
	close(s.done)
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *session) readLoop() {
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.close(fmt.Errorf("%w: %v", errSessionClosed, err))
			return
		}
		parent := msg.ParentHeader.MsgID
		if parent == "" {
			continue
		}
		s.mu.Lock()
		req := s.pending[parent]
		s.mu.Unlock()
		if req == nil {
			continue
		}
		select {
		case req.msgs <- msg:
		case <-req.abandoned:
		case <-s.done:
			return
		}
	}
}

// send writes msg and registers a request for its replies.
func (s *session) send(msg outbound) (*request, error) {
	req := &request{msgs: make(chan message, 32), abandoned: make(chan struct{})}

	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return nil, s.failure
	}
	s.pending[msg.Header.MsgID] = req
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(msg.Header.MsgID, req)
		s.close(fmt.Errorf("%w: %v", errSessionClosed, err))
		return nil, err
	}
	return req, nil
}

func (s *session) forget(msgID string, req *request) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
	close(req.abandoned)
}
