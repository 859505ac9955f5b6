package protocol

import (
	"errors"
	"fmt"

	"github.com/graph8/agent-gateway/internal/domain"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decode parses one inbound frame. Anything that is not a JSON object with a
// non-empty string "type", or that lacks the required fields of a known type,
// fails with ErrMalformedMessage.
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformedMessage)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch MessageType(typ.Str) {
	case TypeAgentRegister:
		return decodeInto(raw, root, &AgentRegister{}, "agent_id", "user_id")
	case TypeAgentStatus:
		return decodeInto(raw, root, &AgentStatus{}, "agent_id", "status")
	case TypeHeartbeat:
		return decodeInto(raw, root, &Heartbeat{})
	case TypeTaskAck:
		return decodeInto(raw, root, &TaskAck{}, "task_id", "agent_id")
	case TypeTaskResult:
		return decodeTaskResult(raw, root)
	case TypeAgentRegistered:
		return decodeInto(raw, root, &AgentRegistered{}, "agent_id", "user_id", "timestamp")
	case TypeHeartbeatAck:
		return decodeInto(raw, root, &HeartbeatAck{}, "timestamp")
	case TypeTask:
		if err := requirePresent(root, "metadata.url", "metadata.priority", "metadata.timeout_seconds"); err != nil {
			return nil, err
		}
		return decodeInto(raw, root, &Task{}, "task_id", "agent_id", "user_id", "instruction", "timestamp")
	default:
		buf := make([]byte, len(raw))
		copy(buf, raw)
		return &Unknown{Type: typ.Str, Raw: buf}, nil
	}
}

// Encode serialises m with its "type" discriminator. Unknown messages are
// passed through verbatim.
func Encode(m Message) ([]byte, error) {
	switch u := m.(type) {
	case *Unknown:
		return u.Raw, nil
	case Unknown:
		return u.Raw, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	out, err := sjson.SetBytes(body, "type", string(m.MessageType()))
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	return out, nil
}

func decodeInto[T Message](raw []byte, root gjson.Result, dst T, required ...string) (Message, error) {
	if err := requireStrings(root, required...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, dst.MessageType(), err)
	}
	return dst, nil
}

// The browser agent reports "result" instead of "results" and signals the
// outcome only through status ("ready" or "error"), without "success".
func decodeTaskResult(raw []byte, root gjson.Result) (Message, error) {
	if err := requireStrings(root, "task_id"); err != nil {
		return nil, err
	}
	var succeeded bool
	switch success := root.Get("success"); {
	case success.Type == gjson.True || success.Type == gjson.False:
		succeeded = success.Bool()
	case success.Exists():
		return nil, fmt.Errorf("%w: success must be a boolean", ErrMalformedMessage)
	default:
		switch domain.AgentStatus(root.Get("status").String()) {
		case domain.AgentStatusReady:
			succeeded = true
		case domain.AgentStatusError:
			succeeded = false
		default:
			return nil, fmt.Errorf("%w: success is required", ErrMalformedMessage)
		}
	}
	results := root.Get("results")
	if !results.Exists() {
		results = root.Get("result")
	}
	if !results.Exists() {
		return nil, fmt.Errorf("%w: results is required", ErrMalformedMessage)
	}

	m := &TaskResult{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, TypeTaskResult, err)
	}
	m.Success = succeeded
	if m.Results == nil {
		m.Results = results.Value()
	}
	return m, nil
}

func requireStrings(root gjson.Result, fields ...string) error {
	for _, f := range fields {
		v := root.Get(f)
		if v.Type != gjson.String || v.Str == "" {
			return fmt.Errorf("%w: %s is required", ErrMalformedMessage, f)
		}
	}
	return nil
}

func requirePresent(root gjson.Result, paths ...string) error {
	for _, p := range paths {
		if v := root.Get(p); !v.Exists() || v.Type == gjson.Null {
			return fmt.Errorf("%w: %s is required", ErrMalformedMessage, p)
		}
	}
	return nil
}
