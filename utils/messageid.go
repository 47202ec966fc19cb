package utils

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var bracketedID = regexp.MustCompile(`<([^<>\s]+)>`)

// NewMessageID returns a globally unique id under the sender's domain,
// without angle brackets.
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = strings.ToLower(fromEmail[at+1:])
	}
	return uuid.New().String() + "@" + domain
}

// NormalizeMessageID trims whitespace and angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// ParseMessageIDList extracts ids from In-Reply-To or References style
// headers. Bare ids without brackets are accepted when no bracketed id is
// present.
func ParseMessageIDList(header string) []string {
	var ids []string
	for _, m := range bracketedID.FindAllStringSubmatch(header, -1) {
		ids = append(ids, m[1])
	}
	if len(ids) == 0 {
		for _, f := range strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			if id := NormalizeMessageID(f); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// UniqueMessageIDs normalizes and de-duplicates ids while keeping order.
func UniqueMessageIDs(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeMessageID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
