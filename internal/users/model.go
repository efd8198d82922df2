package users

import "strings"

type User struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Password     string   `json:"password"`
	PrimaryEmail string   `json:"primary_email"`
	Emails       []string `json:"emails"`
}

// HasEmail reports whether email is one of the user's addresses. Case is ignored.
func (u *User) HasEmail(email string) bool {
	if strings.EqualFold(u.PrimaryEmail, email) {
		return true
	}
	for _, e := range u.Emails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}
