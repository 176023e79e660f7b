package transport

import (
	"time"

	"github.com/iyulab/orbitmesh/internal/job"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType discriminates the Envelope payload (spec §6 wire contract).
type MessageType uint64

const (
	MessageUnknown MessageType = iota
	MessageExecuteJob
	MessageCancelJob
	MessageAcknowledge
	MessageProgress
	MessageResult
	MessageHeartbeat
)

// Envelope wraps every message on the wire with a request id and
// timestamp, mirroring the teacher's control.Envelope framing.
type Envelope struct {
	Type      MessageType
	RequestID string
	Timestamp time.Time
	Payload   []byte // marshaled inner message, per Type
}

const (
	fieldEnvelopeType      = 1
	fieldEnvelopeRequestID = 2
	fieldEnvelopeTimestamp = 3
	fieldEnvelopePayload   = 4
)

// Marshal encodes e per the protobuf wire format (field numbers chosen to
// match the teacher's control.Envelope layout: type, request_id,
// timestamp_ms, payload).
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, fieldEnvelopeType, uint64(e.Type))
	b = appendStringField(b, fieldEnvelopeRequestID, e.RequestID)
	b = appendInt64Field(b, fieldEnvelopeTimestamp, e.Timestamp.UnixMilli())
	b = appendBytesField(b, fieldEnvelopePayload, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an Envelope from the wire.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	var tsMillis int64
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEnvelopeType:
			v, n, err := consumeVarint(b)
			e.Type = MessageType(v)
			return n, err
		case fieldEnvelopeRequestID:
			v, n, err := consumeString(b)
			e.RequestID = v
			return n, err
		case fieldEnvelopeTimestamp:
			v, n, err := consumeVarint(b)
			tsMillis = int64(v)
			return n, err
		case fieldEnvelopePayload:
			v, n, err := consumeBytes(b)
			e.Payload = v
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if tsMillis != 0 {
		e.Timestamp = time.UnixMilli(tsMillis)
	}
	return e, nil
}

// ExecuteJobMessage is the server->agent push of a job request (spec §6,
// wraps job.Request).
type ExecuteJobMessage struct {
	JobID                string
	Command              string
	Payload              []byte
	Priority             int
	RequiredCapabilities []string
	RequiredTags         []string
	TimeoutMillis        int64
	MaxRetries           int
	Metadata             map[string]string
}

const (
	fieldExecJobID       = 1
	fieldExecCommand     = 2
	fieldExecPayload     = 3
	fieldExecPriority    = 4
	fieldExecCaps        = 5
	fieldExecTags        = 6
	fieldExecTimeoutMs   = 7
	fieldExecMaxRetries  = 8
	fieldExecMetaKey     = 9
	fieldExecMetaVal     = 10
)

// ExecuteJobFromRequest builds an ExecuteJobMessage from a job.Request.
func ExecuteJobFromRequest(jobID string, req job.Request) *ExecuteJobMessage {
	return &ExecuteJobMessage{
		JobID:                jobID,
		Command:              req.Command,
		Payload:              req.Payload,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		TimeoutMillis:        req.Timeout.Milliseconds(),
		MaxRetries:           req.MaxRetries,
		Metadata:             req.Metadata,
	}
}

// Marshal encodes the message. Metadata is flattened as repeated
// key/value string pairs in Go's unspecified map iteration order (order
// does not matter to the receiver, which rebuilds a map).
func (m *ExecuteJobMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldExecJobID, m.JobID)
	b = appendStringField(b, fieldExecCommand, m.Command)
	b = appendBytesField(b, fieldExecPayload, m.Payload)
	b = appendVarintField(b, fieldExecPriority, uint64(int64(m.Priority)))
	b = appendStringSliceField(b, fieldExecCaps, m.RequiredCapabilities)
	b = appendStringSliceField(b, fieldExecTags, m.RequiredTags)
	b = appendVarintField(b, fieldExecTimeoutMs, uint64(m.TimeoutMillis))
	b = appendVarintField(b, fieldExecMaxRetries, uint64(int64(m.MaxRetries)))
	for k, v := range m.Metadata {
		b = appendStringField(b, fieldExecMetaKey, k)
		b = appendStringField(b, fieldExecMetaVal, v)
	}
	return b
}

// UnmarshalExecuteJob decodes an ExecuteJobMessage.
func UnmarshalExecuteJob(data []byte) (*ExecuteJobMessage, error) {
	m := &ExecuteJobMessage{}
	var pendingKey string
	haveKey := false
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldExecJobID:
			v, n, err := consumeString(b)
			m.JobID = v
			return n, err
		case fieldExecCommand:
			v, n, err := consumeString(b)
			m.Command = v
			return n, err
		case fieldExecPayload:
			v, n, err := consumeBytes(b)
			m.Payload = v
			return n, err
		case fieldExecPriority:
			v, n, err := consumeVarint(b)
			m.Priority = int(int64(v))
			return n, err
		case fieldExecCaps:
			v, n, err := consumeString(b)
			m.RequiredCapabilities = append(m.RequiredCapabilities, v)
			return n, err
		case fieldExecTags:
			v, n, err := consumeString(b)
			m.RequiredTags = append(m.RequiredTags, v)
			return n, err
		case fieldExecTimeoutMs:
			v, n, err := consumeVarint(b)
			m.TimeoutMillis = int64(v)
			return n, err
		case fieldExecMaxRetries:
			v, n, err := consumeVarint(b)
			m.MaxRetries = int(int64(v))
			return n, err
		case fieldExecMetaKey:
			v, n, err := consumeString(b)
			pendingKey = v
			haveKey = true
			return n, err
		case fieldExecMetaVal:
			v, n, err := consumeString(b)
			if haveKey {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[pendingKey] = v
				haveKey = false
			}
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CancelJobMessage is the server->agent cancel push.
type CancelJobMessage struct {
	JobID  string
	Reason string
}

const (
	fieldCancelJobID = 1
	fieldCancelReason = 2
)

func (m *CancelJobMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldCancelJobID, m.JobID)
	b = appendStringField(b, fieldCancelReason, m.Reason)
	return b
}

func UnmarshalCancelJob(data []byte) (*CancelJobMessage, error) {
	m := &CancelJobMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCancelJobID:
			v, n, err := consumeString(b)
			m.JobID = v
			return n, err
		case fieldCancelReason:
			v, n, err := consumeString(b)
			m.Reason = v
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	return m, err
}

// AcknowledgeMessage is the agent->server ACK of a job pickup.
type AcknowledgeMessage struct {
	JobID   string
	AgentID string
}

const (
	fieldAckJobID   = 1
	fieldAckAgentID = 2
)

func (m *AcknowledgeMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldAckJobID, m.JobID)
	b = appendStringField(b, fieldAckAgentID, m.AgentID)
	return b
}

func UnmarshalAcknowledge(data []byte) (*AcknowledgeMessage, error) {
	m := &AcknowledgeMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldAckJobID:
			v, n, err := consumeString(b)
			m.JobID = v
			return n, err
		case fieldAckAgentID:
			v, n, err := consumeString(b)
			m.AgentID = v
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	return m, err
}

// ProgressMessage mirrors job.Progress over the wire.
type ProgressMessage struct {
	JobID       string
	Sequence    int64
	Percentage  int
	Message     string
	CurrentStep string
	TotalSteps  int
}

const (
	fieldProgJobID      = 1
	fieldProgSequence   = 2
	fieldProgPercentage = 3
	fieldProgMessage    = 4
	fieldProgStep       = 5
	fieldProgTotalSteps = 6
)

func ProgressFromModel(p job.Progress) *ProgressMessage {
	return &ProgressMessage{
		JobID:       p.JobID,
		Sequence:    p.Sequence,
		Percentage:  p.Percentage,
		Message:     p.Message,
		CurrentStep: p.CurrentStep,
		TotalSteps:  p.TotalSteps,
	}
}

func (m *ProgressMessage) ToModel() job.Progress {
	return job.Progress{
		JobID:       m.JobID,
		Sequence:    m.Sequence,
		Percentage:  m.Percentage,
		Message:     m.Message,
		CurrentStep: m.CurrentStep,
		TotalSteps:  m.TotalSteps,
	}
}

func (m *ProgressMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldProgJobID, m.JobID)
	b = appendVarintField(b, fieldProgSequence, uint64(m.Sequence))
	b = appendVarintField(b, fieldProgPercentage, uint64(int64(m.Percentage)))
	b = appendStringField(b, fieldProgMessage, m.Message)
	b = appendStringField(b, fieldProgStep, m.CurrentStep)
	b = appendVarintField(b, fieldProgTotalSteps, uint64(int64(m.TotalSteps)))
	return b
}

func UnmarshalProgress(data []byte) (*ProgressMessage, error) {
	m := &ProgressMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldProgJobID:
			v, n, err := consumeString(b)
			m.JobID = v
			return n, err
		case fieldProgSequence:
			v, n, err := consumeVarint(b)
			m.Sequence = int64(v)
			return n, err
		case fieldProgPercentage:
			v, n, err := consumeVarint(b)
			m.Percentage = int(int64(v))
			return n, err
		case fieldProgMessage:
			v, n, err := consumeString(b)
			m.Message = v
			return n, err
		case fieldProgStep:
			v, n, err := consumeString(b)
			m.CurrentStep = v
			return n, err
		case fieldProgTotalSteps:
			v, n, err := consumeVarint(b)
			m.TotalSteps = int(int64(v))
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	return m, err
}

// ResultMessage mirrors job.Result over the wire.
type ResultMessage struct {
	JobID       string
	AgentID     string
	Status      string
	Data        []byte
	Error       string
	ErrorCode   string
	StartedAt   int64 // unix millis
	CompletedAt int64
	Metadata    map[string]string
}

const (
	fieldResJobID       = 1
	fieldResAgentID     = 2
	fieldResStatus      = 3
	fieldResData        = 4
	fieldResError       = 5
	fieldResErrorCode   = 6
	fieldResStartedAt   = 7
	fieldResCompletedAt = 8
	fieldResMetaKey     = 9
	fieldResMetaVal     = 10
)

func ResultFromModel(r job.Result) *ResultMessage {
	return &ResultMessage{
		JobID:       r.JobID,
		AgentID:     r.AgentID,
		Status:      string(r.Status),
		Data:        r.Data,
		Error:       r.Error,
		ErrorCode:   r.ErrorCode,
		StartedAt:   r.StartedAt.UnixMilli(),
		CompletedAt: r.CompletedAt.UnixMilli(),
		Metadata:    r.Metadata,
	}
}

func (m *ResultMessage) ToModel() job.Result {
	return job.Result{
		JobID:       m.JobID,
		AgentID:     m.AgentID,
		Status:      job.Status(m.Status),
		Data:        m.Data,
		Error:       m.Error,
		ErrorCode:   m.ErrorCode,
		StartedAt:   timeFromMillis(m.StartedAt),
		CompletedAt: timeFromMillis(m.CompletedAt),
		Metadata:    m.Metadata,
	}
}

func (m *ResultMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldResJobID, m.JobID)
	b = appendStringField(b, fieldResAgentID, m.AgentID)
	b = appendStringField(b, fieldResStatus, m.Status)
	b = appendBytesField(b, fieldResData, m.Data)
	b = appendStringField(b, fieldResError, m.Error)
	b = appendStringField(b, fieldResErrorCode, m.ErrorCode)
	b = appendVarintField(b, fieldResStartedAt, uint64(m.StartedAt))
	b = appendVarintField(b, fieldResCompletedAt, uint64(m.CompletedAt))
	for k, v := range m.Metadata {
		b = appendStringField(b, fieldResMetaKey, k)
		b = appendStringField(b, fieldResMetaVal, v)
	}
	return b
}

func UnmarshalResult(data []byte) (*ResultMessage, error) {
	m := &ResultMessage{}
	var pendingKey string
	haveKey := false
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResJobID:
			v, n, err := consumeString(b)
			m.JobID = v
			return n, err
		case fieldResAgentID:
			v, n, err := consumeString(b)
			m.AgentID = v
			return n, err
		case fieldResStatus:
			v, n, err := consumeString(b)
			m.Status = v
			return n, err
		case fieldResData:
			v, n, err := consumeBytes(b)
			m.Data = v
			return n, err
		case fieldResError:
			v, n, err := consumeString(b)
			m.Error = v
			return n, err
		case fieldResErrorCode:
			v, n, err := consumeString(b)
			m.ErrorCode = v
			return n, err
		case fieldResStartedAt:
			v, n, err := consumeVarint(b)
			m.StartedAt = int64(v)
			return n, err
		case fieldResCompletedAt:
			v, n, err := consumeVarint(b)
			m.CompletedAt = int64(v)
			return n, err
		case fieldResMetaKey:
			v, n, err := consumeString(b)
			pendingKey = v
			haveKey = true
			return n, err
		case fieldResMetaVal:
			v, n, err := consumeString(b)
			if haveKey {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[pendingKey] = v
				haveKey = false
			}
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	return m, err
}

// HeartbeatMessage is the agent->server liveness ping.
type HeartbeatMessage struct {
	AgentID     string
	RunningJobs int
}

const (
	fieldHBAgentID     = 1
	fieldHBRunningJobs = 2
)

func (m *HeartbeatMessage) Marshal() []byte {
	var b []byte
	b = appendStringField(b, fieldHBAgentID, m.AgentID)
	b = appendVarintField(b, fieldHBRunningJobs, uint64(int64(m.RunningJobs)))
	return b
}

func UnmarshalHeartbeat(data []byte) (*HeartbeatMessage, error) {
	m := &HeartbeatMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldHBAgentID:
			v, n, err := consumeString(b)
			m.AgentID = v
			return n, err
		case fieldHBRunningJobs:
			v, n, err := consumeVarint(b)
			m.RunningJobs = int(int64(v))
			return n, err
		default:
			return skipUnknown(num, typ, b)
		}
	})
	return m, err
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
