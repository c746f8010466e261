package identity

// Identity represents a normalized external authentication identity
// returned by an auth backend. It contains facts only, no decisions.
type Identity struct {
	Module        string // internal name of the module that produced it
	SubjectID     string // backend-scoped unique user identifier (sub)
	Email         string // email asserted by the backend
	EmailVerified bool   // whether the backend asserts email ownership
}

// Domain returns the email domain portion of the identity's email, or
// "" when no email is present.
func (i Identity) Domain() string {
	for idx := len(i.Email) - 1; idx >= 0; idx-- {
		if i.Email[idx] == '@' {
			return i.Email[idx+1:]
		}
	}
	return ""
}
