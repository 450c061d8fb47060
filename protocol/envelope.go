package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when decoded bytes are not a well-formed Envelope.
var ErrMalformed = errors.New("malformed envelope")

// MessageType tags which payload an Envelope carries.
type MessageType string

const (
	TypeRegister        MessageType = "register"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeCommandRequest  MessageType = "command_request"
	TypeCommandResponse MessageType = "command_response"
	TypeSysInfoRequest  MessageType = "sysinfo_request"
	TypeSysInfoResponse MessageType = "sysinfo_response"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeShutdownRequest MessageType = "shutdown_request"
	TypeLogRequest      MessageType = "log_request"
	TypeAck             MessageType = "ack"
)

// requestKinds maps each request type to the subject kind it is published on
// and the response type that answers it.
var requestKinds = map[MessageType]struct {
	kind  Kind
	reply MessageType
}{
	TypeCommandRequest:  {KindCommand, TypeCommandResponse},
	TypeSysInfoRequest:  {KindSysInfo, TypeSysInfoResponse},
	TypePing:            {KindPing, TypePong},
	TypeShutdownRequest: {KindShutdown, TypeAck},
	TypeLogRequest:      {KindLog, TypeAck},
}

// IsRequest reports whether t is sent by the server and must be answered by the client.
func (t MessageType) IsRequest() bool {
	_, ok := requestKinds[t]
	return ok
}

// IsResponse reports whether t answers a request.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypeCommandResponse, TypeSysInfoResponse, TypePong, TypeAck:
		return true
	}
	return false
}

// SubjectKind returns the subject kind a request of type t is addressed to.
func (t MessageType) SubjectKind() (Kind, bool) {
	rk, ok := requestKinds[t]
	return rk.kind, ok
}

// ReplyType returns the response type expected for a request of type t.
func (t MessageType) ReplyType() (MessageType, bool) {
	rk, ok := requestKinds[t]
	return rk.reply, ok
}

// Envelope is a tagged union of every protocol message. Exactly the payload field
// matching Type is set; payload-less types (sysinfo_request, ping, pong, shutdown_request)
// carry only the RequestID.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`

	Register        *Registration    `json:"register,omitempty"`
	Heartbeat       *Heartbeat       `json:"heartbeat,omitempty"`
	Command         *CommandRequest  `json:"command,omitempty"`
	CommandResponse *CommandResponse `json:"command_response,omitempty"`
	SysInfo         *SysInfo         `json:"sysinfo,omitempty"`
	Log             *LogRequest      `json:"log,omitempty"`
	Ack             *Ack             `json:"ack,omitempty"`
}

func NewRegister(r Registration) *Envelope {
	return &Envelope{Type: TypeRegister, Register: &r}
}

func NewHeartbeat(h Heartbeat) *Envelope {
	return &Envelope{Type: TypeHeartbeat, Heartbeat: &h}
}

func NewCommandRequest(commandLine string) *Envelope {
	return &Envelope{Type: TypeCommandRequest, Command: &CommandRequest{CommandLine: commandLine}}
}

func NewSysInfoRequest() *Envelope { return &Envelope{Type: TypeSysInfoRequest} }

func NewPing() *Envelope { return &Envelope{Type: TypePing} }

func NewShutdownRequest() *Envelope { return &Envelope{Type: TypeShutdownRequest} }

func NewLogRequest(level LogLevel, message string) *Envelope {
	return &Envelope{Type: TypeLogRequest, Log: &LogRequest{Level: level, Message: message}}
}

// Validate checks that the payload matching Type is present and that requests and
// responses carry a RequestID.
func (e *Envelope) Validate() error {
	if (e.Type.IsRequest() || e.Type.IsResponse()) && e.RequestID == "" {
		return fmt.Errorf("%w: %s without request id", ErrMalformed, e.Type)
	}
	var missing bool
	switch e.Type {
	case TypeRegister:
		missing = e.Register == nil
	case TypeHeartbeat:
		missing = e.Heartbeat == nil
	case TypeCommandRequest:
		missing = e.Command == nil
	case TypeCommandResponse:
		missing = e.CommandResponse == nil
	case TypeSysInfoResponse:
		missing = e.SysInfo == nil
	case TypeLogRequest:
		missing = e.Log == nil
	case TypeAck:
		missing = e.Ack == nil
	case TypeSysInfoRequest, TypePing, TypePong, TypeShutdownRequest:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	if missing {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Type)
	}
	return nil
}
