package domain

// Principal is the authenticated human owner of a conversation. Name and
// Email are appended to the system prompt so tools that act on the
// patient's behalf have the context they need.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
