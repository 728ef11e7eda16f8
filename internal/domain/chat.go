package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ModeratedBody replaces the body of a message deleted by a moderator.
const ModeratedBody = "Removed by moderator"

// ChatMessage is one entry of the chat log.
type ChatMessage struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Body     string `json:"body"`
	Admin    bool   `json:"admin"`
	Deleted  bool   `json:"-"`
}

// Validate rejects messages missing a nickname or body.
func (m ChatMessage) Validate() error {
	if m.Nickname == "" || m.Body == "" {
		return ErrMalformed
	}
	return nil
}

// UnmarshalJSON accepts the id as a JSON string or number.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	aux := struct {
		*plain
		ID looseID `json:"id"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = string(aux.ID)
	return nil
}

// looseID is a message id sent either as a string or as a number.
type looseID string

func (id *looseID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = looseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id %s: %w", data, ErrMalformed)
	}
	*id = looseID(n.String())
	return nil
}
