package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFleet/internal/errors"
)

// CodeMalformedEnvelope 表示无法解析的信封。
const CodeMalformedEnvelope xerrors.Code = "EVENT_MALFORMED"

func init() {
	xerrors.Register(CodeMalformedEnvelope, xerrors.Attributes{
		Message:  "malformed event envelope",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// Envelope 是队列与 HTTP 上传递的消息格式。
type Envelope struct {
	ID      string          `json:"id"`
	Type    Kind            `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at,omitempty"`
}

type decoder func(env Envelope) (Command, error)

var decoders = map[Kind]decoder{
	KindHeartbeat:      decodeAs[Heartbeat],
	KindProgress:       decodeAs[Progress],
	KindCompletion:     decodeAs[Completion],
	KindAbandon:        decodeAs[Abandon],
	KindSubmit:         decodeAs[Submit],
	KindDisputeOpen:    decodeAs[DisputeOpen],
	KindDisputeReview:  decodeAs[DisputeReview],
	KindDisputeResolve: decodeAs[DisputeResolve],
	KindAgentReinstate: decodeAs[AgentReinstate],
}

func decodeAs[T Command](env Envelope) (Command, error) {
	var cmd T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, xerrors.Wrap(CodeMalformedEnvelope, err, "payload 解析失败",
				xerrors.WithMetadata("type", string(env.Type)))
		}
	}
	if bound, ok := any(&cmd).(interface{ origin() *Origin }); ok {
		o := bound.origin()
		switch {
		case o.AgentID == "":
			o.AgentID = env.AgentID
		case env.AgentID != "" && o.AgentID != env.AgentID:
			return nil, xerrors.Newf(CodeMalformedEnvelope, "信封 agent_id %s 与 payload %s 不一致", env.AgentID, o.AgentID)
		}
		if strings.TrimSpace(o.AgentID) == "" {
			return nil, xerrors.New(CodeMalformedEnvelope, "agent 事件缺少 agent_id")
		}
	}
	return cmd, nil
}

// NewEnvelope 将命令封装为信封。
func NewEnvelope(cmd Command) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, xerrors.Wrap(CodeMalformedEnvelope, err, "命令序列化失败")
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Type:    cmd.Kind(),
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	if bound, ok := cmd.(interface{ agent() string }); ok {
		env.AgentID = bound.agent()
	}
	return env, nil
}

// Decode 解析原始消息。缺少 ID 的信封会被分配新 ID，此类信封无法去重。
func Decode(data []byte) (Envelope, Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, xerrors.Wrap(CodeMalformedEnvelope, err, "信封解析失败")
	}
	if strings.TrimSpace(env.ID) == "" {
		env.ID = uuid.NewString()
	}
	cmd, err := env.Command()
	if err != nil {
		return env, nil, err
	}
	return env, cmd, nil
}

// Command 解析信封携带的命令。
func (e Envelope) Command() (Command, error) {
	decode, ok := decoders[e.Type]
	if !ok {
		return nil, xerrors.Newf(CodeMalformedEnvelope, "未知的事件类型: %q", e.Type)
	}
	return decode(e)
}

// Marshal 返回信封的 JSON 编码。
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
