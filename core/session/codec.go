package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the serialized form of a Session. The key lives outside the blob.
type record struct {
	State        State     `json:"state"`
	Data         Fields    `json:"data"`
	History      []State   `json:"history,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	Version      int64     `json:"version"`
}

// Marshal encodes a session into an opaque blob for durable backends.
func Marshal(s *Session) ([]byte, error) {
	data, err := json.Marshal(record{
		State:        s.State,
		Data:         s.Data,
		History:      s.History,
		LastActivity: s.LastActivity.UTC(),
		Version:      s.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.Key, err)
	}
	return data, nil
}

// Unmarshal decodes a blob produced by Marshal.
func Unmarshal(key Key, blob []byte) (*Session, error) {
	var r record
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	if r.State == "" {
		r.State = StateIdle
	}
	return &Session{
		Key:          key,
		State:        r.State,
		Data:         r.Data,
		History:      r.History,
		LastActivity: r.LastActivity,
		Version:      r.Version,
	}, nil
}
