package audit

import "github.com/khanghh/kshelf/params"

// Actor identifies who triggered an audited action. It is passed explicitly by
// the caller; an empty UserID is recorded as anonymous.
type Actor struct {
	UserID    string
	IPAddress string
}

// SystemActor is used by background jobs.
var SystemActor = Actor{UserID: params.SystemActorID}

func (a Actor) userID() string {
	if a.UserID == "" {
		return params.AnonymousActorID
	}
	return a.UserID
}

func (a Actor) ipAddress() *string {
	if a.IPAddress == "" {
		return nil
	}
	ip := truncate(a.IPAddress, params.AuditIPMaxLength)
	return &ip
}
