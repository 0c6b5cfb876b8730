package moderation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Category string

const (
	CategoryNone     Category = "none"
	CategoryHate     Category = "hate"
	CategoryViolence Category = "violence"
	CategorySexual   Category = "sexual"
	CategorySelfHarm Category = "self_harm"
	CategoryOther    Category = "other"
)

// ParseCategory maps a classifier label onto the enum. Unknown labels
// report false.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryNone, CategoryHate, CategoryViolence, CategorySexual, CategorySelfHarm, CategoryOther:
		return c, true
	case "self-harm", "selfharm":
		return CategorySelfHarm, true
	default:
		return CategoryOther, false
	}
}

// ErrUnavailable reports that the classifier could not be reached.
var ErrUnavailable = errors.New("moderation unavailable")

// Verdict is the transient result of one check.
type Verdict struct {
	TextHash      string    `json:"text_hash"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"`
	Category      Category  `json:"category"`
	Severity      float64   `json:"severity"`
	PolicyVersion string    `json:"policy_version"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Gate classifies text against a fixed policy version. For a given version
// Check is a pure function of text, apart from CheckedAt.
type Gate interface {
	Check(ctx context.Context, text string) (Verdict, error)
	PolicyVersion() string
}

func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func allowed(category Category, severity, threshold float64) bool {
	return category == CategoryNone || severity < threshold
}
