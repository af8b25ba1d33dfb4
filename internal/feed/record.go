package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Notification types issued by the server. Type is an open string; unknown
// values pass through the engine untouched.
const (
	TypeLike          = "LIKE"
	TypeComment       = "COMMENT"
	TypeFriendRequest = "FRIEND_REQUEST"
	TypeFriendAccept  = "FRIEND_ACCEPT"
)

// Record is the atomic, server-assigned notification unit.
type Record struct {
	ID              int64  `json:"id" validate:"required"`
	SenderID        int64  `json:"senderId"`
	SenderName      string `json:"senderName"`
	SenderAvatarURL string `json:"senderAvatarUrl"`
	Type            string `json:"type" validate:"required"`
	PostID          *int64 `json:"postId,omitempty"`
	Message         string `json:"message"`
	IsRead          bool   `json:"isRead"`
	CreatedAt       Time   `json:"createdAt"`
}

// HasPost reports whether the record is tied to a post.
func (r Record) HasPost() bool {
	return r.PostID != nil
}

// Entry is a display unit: either a single Record passed through unchanged
// (GroupSize == 1) or a synthetic record collapsing every member sharing a
// postId. A grouped entry adopts the identity fields of its newest member and
// is read only when every member is read.
type Entry struct {
	Record

	GroupSize    int     `json:"groupSize"`
	LikeCount    int     `json:"likeCount,omitempty"`
	CommentCount int     `json:"commentCount,omitempty"`
	MemberIDs    []int64 `json:"memberIds,omitempty"`
}

// Grouped reports whether the entry collapses two or more records.
func (e Entry) Grouped() bool {
	return e.GroupSize > 1
}

// HistoryPage is one page of the history API response.
type HistoryPage struct {
	Content    []Record `json:"content"`
	TotalPages int      `json:"totalPages"`
}

// HistoryAPI is the external collaborator serving historical notifications and
// read-state mutations.
type HistoryAPI interface {
	FetchPage(ctx context.Context, page, size int) (HistoryPage, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
}

// Time is the record timestamp. The zero value stands for the JSON null the
// server sends for freshly created records; a null timestamp means "just now"
// and sorts as the newest.
type Time struct {
	time.Time
}

// NewTime wraps a concrete time value.
func NewTime(t time.Time) Time {
	return Time{Time: t}
}

// IsNull reports whether the timestamp was absent on the wire.
func (t Time) IsNull() bool {
	return t.Time.IsZero()
}

// MarshalJSON renders null for absent timestamps and RFC 3339 otherwise.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Accepted wire layouts. The upstream emits zone-less timestamps for rows
// written before it switched to RFC 3339, so both shapes must parse.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON accepts RFC 3339, zone-less timestamps, and null.
func (t *Time) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}

	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("feed: timestamp must be a string or null: %w", err)
	}

	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("feed: unrecognised timestamp %q", value)
}

// newerThan reports whether record a sorts before record b in display order:
// strictly descending createdAt with null treated as newest. Ties break on the
// higher id so ordering stays deterministic.
func newerThan(a, b Time, aID, bID int64) bool {
	switch {
	case a.IsNull() && b.IsNull():
		return aID > bID
	case a.IsNull():
		return true
	case b.IsNull():
		return false
	}

	if a.Time.Equal(b.Time) {
		return aID > bID
	}
	return a.Time.After(b.Time)
}
