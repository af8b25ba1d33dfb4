package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(day, hour int) Time {
	return NewTime(time.Date(2026, 8, day, hour, 0, 0, 0, time.UTC))
}

func postRecord(id int64, typ, sender string, senderID, postID int64, created Time) Record {
	return Record{
		ID:              id,
		SenderID:        senderID,
		SenderName:      sender,
		SenderAvatarURL: "https://cdn.example.com/a/" + sender + ".png",
		Type:            typ,
		PostID:          &postID,
		Message:         sender + " did something",
		CreatedAt:       created,
	}
}

func friendRecord(id int64, sender string, senderID int64, created Time) Record {
	return Record{
		ID:         id,
		SenderID:   senderID,
		SenderName: sender,
		Type:       TypeFriendRequest,
		Message:    sender + " sent you a friend request",
		CreatedAt:  created,
	}
}

func TestAggregateGroupedMessageComposition(t *testing.T) {
	records := []Record{
		postRecord(3, TypeLike, "Lan", 1, 42, at(30, 12)),    // T3
		postRecord(2, TypeLike, "Minh", 2, 42, at(30, 11)),   // T2
		postRecord(1, TypeComment, "Hoa", 3, 42, at(30, 10)), // T1
	}

	entries := Aggregate(records)
	require.Len(t, entries, 1)

	entry := entries[0]
	require.True(t, entry.Grouped())
	require.Equal(t, 3, entry.GroupSize)
	require.Equal(t, 2, entry.LikeCount)
	require.Equal(t, 1, entry.CommentCount)
	require.Equal(t, "Lan, Minh and 1 others liked and commented on your post", entry.Message)

	// Identity fields come from the most recent member.
	require.Equal(t, int64(3), entry.ID)
	require.Equal(t, "Lan", entry.SenderName)
	require.Equal(t, int64(42), *entry.PostID)
}

func TestAggregateDedupKeepsLatestLike(t *testing.T) {
	records := []Record{
		postRecord(10, TypeLike, "Lan", 1, 7, at(29, 8)),
		postRecord(11, TypeLike, "Lan", 1, 7, at(30, 9)), // same (postId, senderId), later
	}

	entries := Aggregate(records)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Grouped())
	require.Equal(t, int64(11), entries[0].ID)
}

func TestAggregateLikesWithoutPostDoNotCollapse(t *testing.T) {
	records := []Record{
		{ID: 1, SenderID: 1, SenderName: "Lan", Type: TypeLike, CreatedAt: at(30, 8)},
		{ID: 2, SenderID: 1, SenderName: "Lan", Type: TypeLike, CreatedAt: at(30, 9)},
	}

	entries := Aggregate(records)
	require.Len(t, entries, 2)
}

func TestAggregateCommentsNeverDedup(t *testing.T) {
	records := []Record{
		postRecord(1, TypeComment, "Minh", 2, 5, at(30, 8)),
		postRecord(2, TypeComment, "Minh", 2, 5, at(30, 9)),
	}

	entries := Aggregate(records)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].GroupSize)
	require.Equal(t, 2, entries[0].CommentCount)
	require.Equal(t, "Minh commented on your post", entries[0].Message)
}

func TestAggregateSingleMemberGroupPassesThrough(t *testing.T) {
	rec := postRecord(1, TypeComment, "Hoa", 3, 5, at(30, 8))
	entries := Aggregate([]Record{rec})

	require.Len(t, entries, 1)
	require.False(t, entries[0].Grouped())
	require.Equal(t, rec.Message, entries[0].Message)
}

func TestAggregateReadStateIsANDOverMembers(t *testing.T) {
	records := []Record{
		postRecord(3, TypeLike, "Lan", 1, 42, at(30, 12)),
		postRecord(2, TypeLike, "Minh", 2, 42, at(30, 11)),
		postRecord(1, TypeComment, "Hoa", 3, 42, at(30, 10)),
	}
	records[0].IsRead = true
	records[1].IsRead = true

	entries := Aggregate(records)
	require.Len(t, entries, 1)
	require.False(t, entries[0].IsRead)

	records[2].IsRead = true
	entries = Aggregate(records)
	require.True(t, entries[0].IsRead)
}

func TestAggregateFinalOrderingNullNewest(t *testing.T) {
	records := []Record{
		friendRecord(1, "Hoa", 3, at(28, 9)),
		friendRecord(2, "Minh", 2, Time{}), // null createdAt sorts first
		friendRecord(3, "Lan", 1, at(30, 9)),
	}

	entries := Aggregate(records)
	require.Len(t, entries, 3)
	require.Equal(t, int64(2), entries[0].ID)
	require.Equal(t, int64(3), entries[1].ID)
	require.Equal(t, int64(1), entries[2].ID)
}

func TestAggregateDeterministic(t *testing.T) {
	records := []Record{
		postRecord(5, TypeLike, "Lan", 1, 42, at(30, 12)),
		postRecord(4, TypeComment, "Minh", 2, 42, at(30, 11)),
		postRecord(3, TypeLike, "Hoa", 3, 9, at(30, 10)),
		friendRecord(2, "Tuan", 4, at(30, 9)),
		friendRecord(1, "Ngoc", 5, Time{}),
	}

	first := Aggregate(records)
	second := Aggregate(records)
	require.Equal(t, first, second)

	// Aggregation only reads its input; a re-run over the same flat list
	// (the store never feeds entries back in) is stable.
	third := Aggregate(append([]Record(nil), records...))
	require.Equal(t, first, third)
}

func TestAggregateSingleSenderGroupHasNoOthersSuffix(t *testing.T) {
	records := []Record{
		postRecord(1, TypeComment, "Lan", 1, 42, at(30, 8)),
		postRecord(2, TypeComment, "Lan", 1, 42, at(30, 9)),
		postRecord(3, TypeComment, "Lan", 1, 42, at(30, 10)),
	}

	entries := Aggregate(records)
	require.Len(t, entries, 1)
	require.Equal(t, "Lan commented on your post", entries[0].Message)
}
