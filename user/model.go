package user

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
	"unicode/utf8"
)

const (
	maxNameLength     = 50
	maxBioLength      = 1000
	maxInterests      = 20
	maxInterestLength = 30
	maxLinks          = 20
	maxLinkTitle      = 50
)

// User is an account's profile document. Credentials live elsewhere.
type User struct {
	ID        string    `bson:"id" json:"id"`
	Username  string    `bson:"username" json:"username"`
	Email     string    `bson:"email" json:"email,omitempty"`
	FirstName string    `bson:"firstName" json:"firstName"`
	LastName  string    `bson:"lastName" json:"lastName"`
	Bio       string    `bson:"bio" json:"bio"`
	Interests []string  `bson:"interests" json:"interests"`
	Links     []Link    `bson:"links" json:"links"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

type Link struct {
	Title string `bson:"title" json:"title"`
	URL   string `bson:"url" json:"url"`
}

// ProfileUpdate is a partial profile edit. Nil fields are left unchanged.
type ProfileUpdate struct {
	FirstName *string   `json:"firstName,omitempty"`
	LastName  *string   `json:"lastName,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	Interests *[]string `json:"interests,omitempty"`
	Links     *[]Link   `json:"links,omitempty"`
}

func (p ProfileUpdate) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Bio == nil && p.Interests == nil && p.Links == nil
}

func (p ProfileUpdate) Validate() error {
	names := []struct {
		field string
		value *string
	}{{"firstName", p.FirstName}, {"lastName", p.LastName}}
	for _, n := range names {
		if n.value == nil {
			continue
		}
		if l := utf8.RuneCountInString(*n.value); l == 0 || l > maxNameLength {
			return fmt.Errorf("%s must be 1 to %d characters", n.field, maxNameLength)
		}
	}
	if p.Bio != nil && utf8.RuneCountInString(*p.Bio) > maxBioLength {
		return fmt.Errorf("bio cannot exceed %d characters", maxBioLength)
	}
	if p.Interests != nil {
		if len(*p.Interests) > maxInterests {
			return fmt.Errorf("at most %d interests are allowed", maxInterests)
		}
		for _, in := range *p.Interests {
			if utf8.RuneCountInString(in) > maxInterestLength {
				return fmt.Errorf("interests cannot exceed %d characters", maxInterestLength)
			}
		}
	}
	if p.Links != nil {
		if len(*p.Links) > maxLinks {
			return fmt.Errorf("at most %d links are allowed", maxLinks)
		}
		for _, l := range *p.Links {
			if n := utf8.RuneCountInString(l.Title); n == 0 || n > maxLinkTitle {
				return fmt.Errorf("link title must be 1 to %d characters", maxLinkTitle)
			}
			if err := validateLinkURL(l.URL); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLinkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("link url must be an absolute http(s) url")
	}
	return nil
}

// Apply writes the update into u and returns the names of the fields whose
// value actually changed, in a stable order.
func (u *User) Apply(p ProfileUpdate) []string {
	var changed []string
	setString := func(field string, dst, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changed = append(changed, field)
		}
	}
	setString("firstName", &u.FirstName, p.FirstName)
	setString("lastName", &u.LastName, p.LastName)
	setString("bio", &u.Bio, p.Bio)
	if p.Interests != nil && !slices.Equal(*p.Interests, u.Interests) {
		u.Interests = slices.Clone(*p.Interests)
		changed = append(changed, "interests")
	}
	if p.Links != nil && !slices.Equal(*p.Links, u.Links) {
		u.Links = slices.Clone(*p.Links)
		changed = append(changed, "links")
	}
	return changed
}

// ForScopes returns the view of u a token holder may see. The email address
// needs its own scope.
func (u *User) ForScopes(scopes []string, emailScope string) *User {
	out := *u
	if !slices.Contains(scopes, emailScope) {
		out.Email = ""
	}
	return &out
}
