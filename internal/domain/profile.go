// Package domain contains core domain types for the agent hub.
package domain

import (
	"time"
)

// Profile is a stable agent identity. It is created on first auth for a
// new id and never deleted while referenced by messages or sessions.
type Profile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Nickname  string    `json:"nickname,omitempty"`
	Project   string    `json:"project,omitempty"`
	Expertise string    `json:"expertise,omitempty"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Merge refreshes the profile with incoming metadata, keeping existing
// values where the incoming ones are empty. Returns true if anything
// changed.
func (p *Profile) Merge(name, nickname, project, expertise, version string) bool {
	changed := false
	apply := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	apply(&p.Name, name)
	apply(&p.Nickname, nickname)
	apply(&p.Project, project)
	apply(&p.Expertise, expertise)
	apply(&p.Version, version)
	return changed
}

// Conversation is a named delivery scope. Every message belongs to
// exactly one conversation.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Project   string    `json:"project,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
