package validator

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

// Error joins the field messages in a stable order so the value can be
// returned as an error.
func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return strings.Join(parts, "; ")
}

const MaxMessageLength = 4000

func ValidateRegister(email, name, password string) ValidationErrors {
	errs := make(ValidationErrors)

	validateEmail(email, errs)

	name = strings.TrimSpace(name)
	if name == "" {
		errs.Add("name", "Name is required")
	} else if utf8.RuneCountInString(name) < 2 {
		errs.Add("name", "Name must be at least 2 characters")
	} else if utf8.RuneCountInString(name) > 100 {
		errs.Add("name", "Name is too long")
	}

	validatePassword(password, errs)

	return errs
}

func ValidateLogin(email, password string) ValidationErrors {
	errs := make(ValidationErrors)

	validateEmail(email, errs)

	if password == "" {
		errs.Add("password", "Password is required")
	}

	return errs
}

// ValidateChannel requires a name for public channels. Private channels are
// addressed by their members and may be unnamed.
func ValidateChannel(name string, isPrivate bool, members []string) ValidationErrors {
	errs := make(ValidationErrors)

	name = strings.TrimSpace(name)
	if name == "" {
		if !isPrivate {
			errs.Add("name", "Channel name is required")
		}
	} else if utf8.RuneCountInString(name) > 100 {
		errs.Add("name", "Channel name is too long")
	}

	if members != nil && len(nonBlank(members)) == 0 {
		errs.Add("members", "Channel needs at least one member")
	}

	return errs
}

func ValidateMessage(text string) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(text) == "" {
		errs.Add("message", "Message is required")
	} else if utf8.RuneCountInString(text) > MaxMessageLength {
		errs.Add("message", "Message is too long")
	}

	return errs
}

func ValidateEmoji(emoji string) ValidationErrors {
	errs := make(ValidationErrors)

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		errs.Add("emoji", "Emoji is required")
	} else if utf8.RuneCountInString(emoji) > 16 {
		errs.Add("emoji", "Emoji is too long")
	}

	return errs
}

func validateEmail(email string, errs ValidationErrors) {
	email = strings.TrimSpace(email)
	if email == "" {
		errs.Add("email", "Email is required")
	} else if _, err := mail.ParseAddress(email); err != nil {
		errs.Add("email", "Invalid email address")
	}
}

func validatePassword(password string, errs ValidationErrors) {
	if len(password) < 8 {
		errs.Add("password", "Password must be at least 8 characters")
		return
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	missing := []string{}
	if !hasUpper {
		missing = append(missing, "one uppercase letter")
	}
	if !hasLower {
		missing = append(missing, "one lowercase letter")
	}
	if !hasDigit {
		missing = append(missing, "one number")
	}

	if len(missing) > 0 {
		errs.Add("password", fmt.Sprintf("Password must contain at least %s", strings.Join(missing, ", ")))
	}
}

func nonBlank(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
