// Package usage classifies how long a stored image should be retained.
package usage

import (
	"fmt"
	"slices"
	"strings"
)

// Type is an image retention class.
type Type string

const (
	Permanent Type = "permanent"
	Temporary Type = "temporary"
	Recent    Type = "recent"
	Archive   Type = "archive"
)

// Types lists every usage type in declaration order.
var Types = []Type{Permanent, Temporary, Recent, Archive}

// Parse validates a usage type name.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Types, t) {
		return "", fmt.Errorf("unknown usage type %q", s)
	}
	return t, nil
}

func (t Type) String() string { return string(t) }

// Reference categories with a fixed retention class.
const (
	CategoryAvatar     = "avatar"
	CategoryCharacter  = "character"
	CategoryBackground = "background"
	CategoryChat       = "chat"
)

var permanentCategories = []string{CategoryAvatar, CategoryCharacter, CategoryBackground}

// Classify derives a usage type from the categories of a file's references.
// Any permanent category wins, then chat. A file with no references is archived.
func Classify(categories []string) Type {
	if len(categories) == 0 {
		return Archive
	}
	recent := false
	for _, c := range categories {
		c = strings.ToLower(c)
		if slices.Contains(permanentCategories, c) {
			return Permanent
		}
		if c == CategoryChat {
			recent = true
		}
	}
	if recent {
		return Recent
	}
	return Temporary
}

// PrimaryCategory picks the category recorded on usage metadata: the first
// category that determined the classification, else the first one, else "general".
func PrimaryCategory(categories []string) string {
	for _, c := range categories {
		if slices.Contains(permanentCategories, strings.ToLower(c)) {
			return c
		}
	}
	for _, c := range categories {
		if strings.EqualFold(c, CategoryChat) {
			return c
		}
	}
	if len(categories) > 0 {
		return categories[0]
	}
	return "general"
}

// IsImageType reports whether a MIME type denotes an image.
func IsImageType(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}
