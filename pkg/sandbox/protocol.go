package sandbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Jupyter messaging protocol, as carried over the kernel channels websocket.
const protocolVersion = "5.3"

const (
	channelShell = "shell"
	channelIOPub = "iopub"
)

const (
	msgExecuteRequest = "execute_request"
	msgExecuteReply   = "execute_reply"
	msgStream         = "stream"
	msgExecuteResult  = "execute_result"
	msgDisplayData    = "display_data"
	msgError          = "error"
	msgStatus         = "status"
)

type header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

type message struct {
	Channel      string          `json:"channel"`
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      []any           `json:"buffers"`
}

// outbound differs from message only in sending an empty parent header.
type outbound struct {
	Channel      string          `json:"channel"`
	Header       header          `json:"header"`
	ParentHeader map[string]any  `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Buffers      []any           `json:"buffers"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type dataContent struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

type errorContent struct {
	Status    string   `json:"status"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

func newExecuteRequest(session, code string) (outbound, error) {
	content, err := json.Marshal(executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return outbound{}, err
	}
	return outbound{
		Channel: channelShell,
		Header: header{
			MsgID:    uuid.NewString(),
			Session:  session,
			Username: "toolbridge",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgExecuteRequest,
			Version:  protocolVersion,
		},
		ParentHeader: map[string]any{},
		Metadata:     map[string]any{},
		Content:      content,
		Buffers:      []any{},
	}, nil
}
