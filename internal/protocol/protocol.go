// Package protocol defines the wire frames exchanged with clients.
//
// Every frame is a flat JSON object tagged by a "type" field. The set of
// frame kinds is closed: Decode rejects anything it does not recognize so
// unknown payloads are never forwarded blindly.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/driftchat/driftchat/internal/types"
)

// Frame type discriminators.
const (
	TypeJoin         = "join"
	TypeFindMatch    = "find_match"
	TypeWaiting      = "waiting_for_match"
	TypeMatchFound   = "match_found"
	TypeSignal       = "signal"
	TypeMessage      = "message"
	TypeLeave        = "leave"
	TypeReport       = "report"
	TypeSessionEnded = "session_ended"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

// Error codes carried by Error frames.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeNoActiveSession  = "NO_ACTIVE_SESSION"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeBadFrame         = "BAD_FRAME"
)

// ErrUnknownType is returned by Decode for frame types outside the closed set.
var ErrUnknownType = errors.New("protocol: unknown frame type")

// Frame is the closed union of wire messages. Only types in this package
// implement it.
type Frame interface {
	FrameType() string
}

// Join announces presence and optional interests before matching.
type Join struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests,omitempty"`
}

// FindMatch enqueues the connection into the matching pool.
type FindMatch struct {
	Type         string         `json:"type"`
	ChatType     types.ChatType `json:"chatType"`
	Interests    []string       `json:"interests,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	GenderFilter string         `json:"genderFilter,omitempty"`
}

// Waiting reports queue status while a ticket is outstanding.
type Waiting struct {
	Type              string `json:"type"`
	Position          int    `json:"position"`
	TotalWaiting      int    `json:"totalWaiting"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"` // seconds, best effort
}

// MatchFound tells a waiter it has been paired.
type MatchFound struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	PartnerID string         `json:"partnerId"`
	ChatType  types.ChatType `json:"chatType"`
}

// Signal carries an opaque WebRTC offer/answer/ICE envelope between the two
// peers of a session. The server never inspects Payload.
type Signal struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// Message carries text chat content between the two peers of a session.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// Leave is a voluntary session end by the sender.
type Leave struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Report ends the session and flags the partner. Report contents beyond the
// session reference are handled out of band.
type Report struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionEnded is the teardown notice delivered to each participant.
type SessionEnded struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Reason    types.EndReason `json:"reason"`
}

// Heartbeat is the client liveness ping.
type Heartbeat struct {
	Type string `json:"type"`
}

// HeartbeatAck answers a Heartbeat with the server clock, which lets clients
// detect skew.
type HeartbeatAck struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// Error is a client-visible rejection notice. It never changes server state.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is set on CAPACITY_EXCEEDED so clients back off instead of
	// hammering the admission gate.
	RetryAfter int `json:"retryAfter,omitempty"` // seconds
}

func (Join) FrameType() string         { return TypeJoin }
func (FindMatch) FrameType() string    { return TypeFindMatch }
func (Waiting) FrameType() string      { return TypeWaiting }
func (MatchFound) FrameType() string   { return TypeMatchFound }
func (Signal) FrameType() string       { return TypeSignal }
func (Message) FrameType() string      { return TypeMessage }
func (Leave) FrameType() string        { return TypeLeave }
func (Report) FrameType() string       { return TypeReport }
func (SessionEnded) FrameType() string { return TypeSessionEnded }
func (Heartbeat) FrameType() string    { return TypeHeartbeat }
func (HeartbeatAck) FrameType() string { return TypeHeartbeatAck }
func (Error) FrameType() string        { return TypeError }

// Decode parses a raw frame into its concrete type. Unknown discriminators
// return ErrUnknownType; malformed JSON returns the unmarshal error.
func Decode(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: invalid frame: %w", err)
	}

	var (
		frame Frame
		err   error
	)
	switch envelope.Type {
	case TypeJoin:
		var f Join
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeFindMatch:
		var f FindMatch
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeSignal:
		var f Signal
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeMessage:
		var f Message
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeLeave:
		var f Leave
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeReport:
		var f Report
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeHeartbeat:
		var f Heartbeat
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeHeartbeatAck:
		var f HeartbeatAck
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeWaiting:
		var f Waiting
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeMatchFound:
		var f MatchFound
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeSessionEnded:
		var f SessionEnded
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeError:
		var f Error
		err = json.Unmarshal(data, &f)
		frame = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid %s frame: %w", envelope.Type, err)
	}
	return frame, nil
}

// Encode marshals a frame, stamping the type discriminator from the concrete
// type so callers cannot produce a mislabeled frame.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Join:
		v.Type = TypeJoin
		return json.Marshal(v)
	case FindMatch:
		v.Type = TypeFindMatch
		return json.Marshal(v)
	case Waiting:
		v.Type = TypeWaiting
		return json.Marshal(v)
	case MatchFound:
		v.Type = TypeMatchFound
		return json.Marshal(v)
	case Signal:
		v.Type = TypeSignal
		return json.Marshal(v)
	case Message:
		v.Type = TypeMessage
		return json.Marshal(v)
	case Leave:
		v.Type = TypeLeave
		return json.Marshal(v)
	case Report:
		v.Type = TypeReport
		return json.Marshal(v)
	case SessionEnded:
		v.Type = TypeSessionEnded
		return json.Marshal(v)
	case Heartbeat:
		v.Type = TypeHeartbeat
		return json.Marshal(v)
	case HeartbeatAck:
		v.Type = TypeHeartbeatAck
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", f)
	}
}

// MustEncode is Encode for frames built by the server itself, where a marshal
// failure is a programming error.
func MustEncode(f Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}
