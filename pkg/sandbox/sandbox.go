// Package sandbox runs notebook cells on a remote Jupyter server and uploads
// files into its working directory.
package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/google/uuid"
)

// EventKind tags the events of a running cell.
type EventKind string

const (
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
	// EventFailure reports that the execution could not complete; Err is set.
	EventFailure EventKind = "failure"
)

// Event is one ordered step of a cell execution.
type Event struct {
	Kind  EventKind
	Text  string
	Data  map[string]any
	Error *ExecutionError
	Err   error
}

// ExecutionError is the error a cell raised. It is a result value, not a Go
// error: a failed cell is still a successful call to the sandbox.
type ExecutionError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

// ItemKind tags the entries of an execution result.
type ItemKind string

const (
	ItemStdout ItemKind = "stdout"
	ItemStderr ItemKind = "stderr"
	ItemChart  ItemKind = "chart"
	ItemResult ItemKind = "result"
)

// Item is one entry of an execution result.
type Item struct {
	Kind ItemKind
	Text string
	Path string
	Data map[string]any
}

// MarshalJSON renders stream lines as strings, charts as their file path and
// other results as their MIME bundle.
func (i Item) MarshalJSON() ([]byte, error) {
	switch i.Kind {
	case ItemChart:
		return json.Marshal(i.Path)
	case ItemResult:
		return json.Marshal(i.Data)
	default:
		return json.Marshal(i.Text)
	}
}

// Execution is the outcome of one cell. When Error is set, Items is empty.
type Execution struct {
	Items []Item
	Error *ExecutionError
}

type Sandbox struct {
	kernel          *kernelClient
	uploadDir       string
	chartDir        string
	timeout         time.Duration
	downloadTimeout time.Duration
	maxDownload     int64
	logger          *slog.Logger

	dirMu      sync.Mutex
	dirCreated bool
}

func New(cfg config.SandboxConfig, httpClient *http.Client, logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	kernel, err := newKernelClient(cfg.URL, cfg.Token, cfg.KernelName, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		kernel:          kernel,
		uploadDir:       cfg.UploadDir,
		chartDir:        cfg.ChartDir,
		timeout:         cfg.Timeout,
		downloadTimeout: cfg.DownloadTimeout,
		maxDownload:     defaultMaxDownload,
		logger:          logger,
	}, nil
}

// Close drops the kernel connection.
func (s *Sandbox) Close() error {
	return s.kernel.Close()
}

func (s *Sandbox) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Stream submits code as one cell and returns its events in arrival order.
// The channel is closed once the kernel reports the cell finished, or after a
// final EventFailure.
func (s *Sandbox) Stream(ctx context.Context, code string) (<-chan Event, error) {
	sess, err := s.kernel.current(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := newExecuteRequest(sess.id, code)
	if err != nil {
		return nil, err
	}
	req, err := sess.send(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: submit cell: %v", apperrors.ErrUpstream, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer sess.forget(msg.Header.MsgID, req)

		emit := func(e Event) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var replied, idle, sawError bool
		for !(replied && idle) {
			var m message
			select {
			case m = <-req.msgs:
			case <-sess.done:
				emit(Event{Kind: EventFailure, Err: fmt.Errorf("%w: %v", apperrors.ErrUpstream, sess.err())})
				return
			case <-ctx.Done():
				// The consumer may be gone; a non-blocking send is all we can do.
				select {
				case events <- Event{Kind: EventFailure, Err: fmt.Errorf("%w: %v", apperrors.ErrUpstream, ctx.Err())}:
				default:
				}
				return
			}

			ev, ok, err := decodeEvent(m)
			if err != nil {
				s.logger.Warn("undecodable kernel message", "type", m.Header.MsgType, "error", err)
				continue
			}
			switch {
			case m.Header.MsgType == msgExecuteReply:
				replied = true
				if ok && !sawError {
					sawError = true
					if !emit(ev) {
						return
					}
				}
			case m.Header.MsgType == msgStatus:
				idle = ok
			case ok:
				if ev.Kind == EventError {
					sawError = true
				}
				if !emit(ev) {
					return
				}
			}
		}
	}()
	return events, nil
}

// decodeEvent turns a kernel message into an event. For status messages ok
// reports whether the kernel went idle; for execute_reply it reports whether
// the reply carries an error.
func decodeEvent(m message) (Event, bool, error) {
	switch m.Header.MsgType {
	case msgStream:
		var c streamContent
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return Event{}, false, err
		}
		kind := EventStdout
		if c.Name == "stderr" {
			kind = EventStderr
		}
		return Event{Kind: kind, Text: c.Text}, true, nil
	case msgExecuteResult, msgDisplayData:
		var c dataContent
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventResult, Data: c.Data}, true, nil
	case msgError, msgExecuteReply:
		var c errorContent
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return Event{}, false, err
		}
		if m.Header.MsgType == msgExecuteReply && c.Status != "error" {
			return Event{}, false, nil
		}
		return Event{Kind: EventError, Error: &ExecutionError{Name: c.EName, Value: c.EValue, Traceback: c.Traceback}}, true, nil
	case msgStatus:
		var c statusContent
		if err := json.Unmarshal(m.Content, &c); err != nil {
			return Event{}, false, err
		}
		return Event{}, c.ExecutionState == "idle", nil
	}
	return Event{}, false, nil
}

// Execute runs code as one cell and collects its output. Stream lines come
// first in arrival order, followed by the cell's results in order. Images are
// written to a directory unique to this call and replaced by their path.
func (s *Sandbox) Execute(ctx context.Context, code string) (*Execution, error) {
	ctx, cancel := s.withTimeout(ctx, s.timeout)
	defer cancel()

	events, err := s.Stream(ctx, code)
	if err != nil {
		return nil, err
	}

	exec := &Execution{}
	var results []map[string]any
	for ev := range events {
		switch ev.Kind {
		case EventStdout:
			exec.Items = append(exec.Items, Item{Kind: ItemStdout, Text: ev.Text})
		case EventStderr:
			exec.Items = append(exec.Items, Item{Kind: ItemStderr, Text: ev.Text})
		case EventResult:
			results = append(results, ev.Data)
		case EventError:
			exec.Error = ev.Error
		case EventFailure:
			return nil, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: execution: %v", apperrors.ErrUpstream, err)
	}
	if exec.Error != nil {
		return &Execution{Error: exec.Error}, nil
	}
	if len(results) == 0 {
		return exec, nil
	}

	callDir := filepath.Join(s.chartDir, uuid.NewString())
	for i, data := range results {
		png, ok := data["image/png"].(string)
		if !ok {
			exec.Items = append(exec.Items, Item{Kind: ItemResult, Data: data})
			continue
		}
		path, err := writeChart(callDir, i, png)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("chart saved", "path", path)
		exec.Items = append(exec.Items, Item{Kind: ItemChart, Path: path})
	}
	return exec, nil
}

func writeChart(dir string, index int, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return "", fmt.Errorf("%w: chart %d is not valid base64: %v", apperrors.ErrUpstream, index, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chart directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chart_%d.png", index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write chart: %w", err)
	}
	return path, nil
}
