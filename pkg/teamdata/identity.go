package teamdata

import "strings"

// Accounts are the per-service identifiers of one person.
type Accounts struct {
	GitHub   string
	Email    string
	ZulipID  int64
	HasZulip bool
}

// Identity maps logical person IDs to their per-service accounts. It is
// built from people.json and consumed by the desired-state builders, so
// the diff engines only ever see service identifiers.
type Identity struct {
	people map[string]Accounts
}

// NewIdentity builds the lookup table from people.
func NewIdentity(people map[string]Person) *Identity {
	id := &Identity{people: make(map[string]Accounts, len(people))}
	for key, p := range people {
		acc := Accounts{
			GitHub: strings.ToLower(p.GitHub),
			Email:  strings.ToLower(p.Email),
		}
		if p.ZulipID != nil {
			acc.ZulipID = *p.ZulipID
			acc.HasZulip = true
		}
		id.people[key] = acc
	}
	return id
}

// Lookup returns the accounts of person.
func (i *Identity) Lookup(person string) (Accounts, bool) {
	acc, ok := i.people[person]
	return acc, ok
}

// GitHubLogin returns the lower-cased GitHub login of person.
func (i *Identity) GitHubLogin(person string) (string, bool) {
	acc, ok := i.people[person]
	if !ok || acc.GitHub == "" {
		return "", false
	}
	return acc.GitHub, true
}

// Email returns the lower-cased email of person. The value may be in
// encrypted address form.
func (i *Identity) Email(person string) (string, bool) {
	acc, ok := i.people[person]
	if !ok || acc.Email == "" {
		return "", false
	}
	return acc.Email, true
}

// ZulipID returns the chat user ID of person, if recorded.
func (i *Identity) ZulipID(person string) (int64, bool) {
	acc, ok := i.people[person]
	if !ok || !acc.HasZulip {
		return 0, false
	}
	return acc.ZulipID, true
}

// Has reports whether person is known.
func (i *Identity) Has(person string) bool {
	_, ok := i.people[person]
	return ok
}
