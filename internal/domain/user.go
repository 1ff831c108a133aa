package domain

// PlaceholderName is shown for user ids that have no backing document.
const PlaceholderName = "Unbekannt"

type User struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoURL"`
	Email    string `json:"email"`
	Status   bool   `json:"status"`
}

// PlaceholderUser is the projection handed out before a user has been
// loaded, and for ids that do not exist.
func PlaceholderUser(userID, avatarURL string) User {
	return User{
		UserID:   userID,
		Name:     PlaceholderName,
		PhotoURL: avatarURL,
	}
}
