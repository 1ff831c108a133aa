package service

// MessageRef identifies a stored message for policy decisions.
type MessageRef struct {
	DocID     string
	ParentID  string
	CreatedBy string
}

// Policy is the single decision point every message mutation consults.
type Policy interface {
	CanEditMessage(actorID string, msg MessageRef) bool
	CanDeleteMessage(actorID string, msg MessageRef) bool
}

// CreatorPolicy lets only the creator edit text. Deleting is open to any
// user unless DeleteRequiresCreator is set.
//
// TODO: settle whether delete-by-non-creator is intended and drop the flag.
type CreatorPolicy struct {
	DeleteRequiresCreator bool
}

func (p CreatorPolicy) CanEditMessage(actorID string, msg MessageRef) bool {
	return actorID != "" && actorID == msg.CreatedBy
}

func (p CreatorPolicy) CanDeleteMessage(actorID string, msg MessageRef) bool {
	if !p.DeleteRequiresCreator {
		return true
	}
	return actorID != "" && actorID == msg.CreatedBy
}
