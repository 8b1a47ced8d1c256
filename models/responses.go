package models

// SessionResponse is the payload returned by the session endpoints.
type SessionResponse struct {
	Session   *AnonymousSession `json:"session"`
	Remaining int               `json:"remaining"`
	ExpiresAt int64             `json:"expiresAt"`
	Created   bool              `json:"created,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
}

// ChatReply is the payload returned by the chat endpoint.
type ChatReply struct {
	Reply     string `json:"reply"`
	Model     string `json:"model"`
	SessionID string `json:"sessionId,omitempty"`
	Remaining int    `json:"remaining"`
	Degraded  bool   `json:"degraded,omitempty"`
}
