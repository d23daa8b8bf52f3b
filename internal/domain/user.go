package domain

type UserRole string

const (
	UserRoleUser       UserRole = "user"
	UserRoleSpecialist UserRole = "specialist"
)

func (r UserRole) Valid() bool {
	return r == UserRoleUser || r == UserRoleSpecialist
}

// Actor is the caller as vouched for by the identity provider.
type Actor struct {
	UserID int64    `json:"user_id"`
	Role   UserRole `json:"role"`
}

// SenderType maps the caller role onto the message sender side.
func (a Actor) SenderType() SenderType {
	if a.Role == UserRoleSpecialist {
		return SenderTypeSpecialist
	}
	return SenderTypeUser
}

// CanAccess reports whether the actor may read the session.
// Specialists may look at any waiting session so they can pick it up.
func (a Actor) CanAccess(s *ChatSession) bool {
	switch a.Role {
	case UserRoleUser:
		return s.UserID == a.UserID
	case UserRoleSpecialist:
		return s.Status == ChatSessionStatusWaiting || s.IsClaimedBy(a.UserID)
	}
	return false
}

// IsParticipant reports whether the actor is one of the two sides of the session.
func (a Actor) IsParticipant(s *ChatSession) bool {
	switch a.Role {
	case UserRoleUser:
		return s.UserID == a.UserID
	case UserRoleSpecialist:
		return s.IsClaimedBy(a.UserID)
	}
	return false
}

// CanEnd reports whether the actor may close the session.
func (a Actor) CanEnd(s *ChatSession) bool {
	return a.IsParticipant(s)
}

type Tokens struct {
	AccessToken string `json:"access_token"`
}
