package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel event names.
const (
	EventStreamAdded   = "stream_added"
	EventStreamRemoved = "stream_removed"
	EventSDPOffer      = "sdp_offer"
	EventSDPAnswer     = "sdp_answer"
	EventICECandidate  = "ice_candidate"
	EventChatMsg       = "chat_msg"
	EventDeleteChatMsg = "delete_chat_msg"
	EventJoinChat      = "join_chat"
	EventJoinChatResp  = "join_chat_resp"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// StreamEvent is the payload of stream_added and stream_removed.
type StreamEvent struct {
	ID string `json:"id"`
}

func (e StreamEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("stream event without id: %w", ErrMalformed)
	}
	return nil
}

// JoinSnapshot is the reply to joining the stream signalling channel.
type JoinSnapshot struct {
	Streams []string `json:"streams"`
}

func (s JoinSnapshot) Validate() error {
	for _, id := range s.Streams {
		if id == "" {
			return fmt.Errorf("snapshot with empty stream id: %w", ErrMalformed)
		}
	}
	return nil
}

// SDPEvent is the payload of sdp_offer and sdp_answer.
type SDPEvent struct {
	Body string `json:"body"`
}

func (e SDPEvent) Validate() error {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("sdp event without body: %w", ErrMalformed)
	}
	return nil
}

// CandidateEvent is the payload of ice_candidate. Body holds the candidate
// serialized as a JSON string.
type CandidateEvent struct {
	Body string `json:"body"`
}

func (e CandidateEvent) Validate() error {
	if e.Body == "" {
		return fmt.Errorf("candidate event without body: %w", ErrMalformed)
	}
	return nil
}

// Candidate decodes the embedded candidate.
func (e CandidateEvent) Candidate() (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal([]byte(e.Body), &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", ErrMalformed)
	}
	return c, nil
}

// NewCandidateEvent serializes c into an ice_candidate payload.
func NewCandidateEvent(c ICECandidate) (CandidateEvent, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return CandidateEvent{}, err
	}
	return CandidateEvent{Body: string(data)}, nil
}

// OutgoingChat is the payload pushed to send a chat message.
type OutgoingChat struct {
	Body string `json:"body"`
}

// DeleteChatEvent is the payload of delete_chat_msg.
type DeleteChatEvent struct {
	ID string `json:"id"`
}

func (e *DeleteChatEvent) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID looseID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.ID = string(aux.ID)
	return nil
}

func (e DeleteChatEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("delete without id: %w", ErrMalformed)
	}
	return nil
}

// JoinChatRequest is pushed to join the chat under a nickname.
type JoinChatRequest struct {
	Nickname string `json:"nickname"`
	Token    string `json:"token,omitempty"`
}

// JoinChatResponse answers a JoinChatRequest.
type JoinChatResponse struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

func (r JoinChatResponse) Validate() error {
	if r.Result == "" {
		return fmt.Errorf("join response without result: %w", ErrMalformed)
	}
	return nil
}

// OK reports whether the join was accepted.
func (r JoinChatResponse) OK() bool {
	return r.Result == "success" || r.Result == "ok"
}

// PresenceMeta is one presence entry for a participant.
type PresenceMeta struct {
	PhxRef string `json:"phx_ref"`
}

// PresenceEntry groups the metas of one participant key.
type PresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

// PresenceState is the full presence set, keyed by participant.
type PresenceState map[string]PresenceEntry

func (PresenceState) Validate() error { return nil }

// PresenceDiff carries joins and leaves since the last state.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

func (PresenceDiff) Validate() error { return nil }

// Validator is implemented by every inbound event payload.
type Validator interface {
	Validate() error
}

// Decode unmarshals an event payload and validates its required fields.
// Any failure wraps ErrMalformed.
func Decode[T Validator](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}
