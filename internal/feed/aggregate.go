package feed

import (
	"fmt"
	"sort"
	"strings"
)

// Aggregate collapses a flat record list into the display list. It is pure and
// deterministic: the same input always yields the same output, and it never
// assumes incremental invocation. Callers pass the full current flat list
// after every mutation.
//
// Steps: dedup repeated likes, group post-related records by postId,
// synthesize a summary message for groups of two or more, then order the whole
// result newest first (null timestamps sort as newest).
func Aggregate(records []Record) []Entry {
	deduped := dedupe(records)

	groups := make(map[int64][]Record)
	var singles []Record
	for _, rec := range deduped {
		if rec.HasPost() {
			groups[*rec.PostID] = append(groups[*rec.PostID], rec)
			continue
		}
		singles = append(singles, rec)
	}

	entries := make([]Entry, 0, len(singles)+len(groups))
	for _, rec := range singles {
		entries = append(entries, passthrough(rec))
	}
	for _, group := range groups {
		entries = append(entries, collapse(group))
	}

	sort.Slice(entries, func(i, j int) bool {
		return newerThan(entries[i].CreatedAt, entries[j].CreatedAt, entries[i].ID, entries[j].ID)
	})
	return entries
}

// dedupe keeps one record per dedup key. Likes tied to a post collapse on
// (postId, senderId, type) keeping the latest createdAt; every other record is
// keyed by its own id, so only exact-id duplicates collapse.
func dedupe(records []Record) []Record {
	keep := make(map[string]Record, len(records))
	for _, rec := range records {
		key := dedupKey(rec)
		current, exists := keep[key]
		if !exists || newerThan(rec.CreatedAt, current.CreatedAt, rec.ID, current.ID) {
			keep[key] = rec
		}
	}

	result := make([]Record, 0, len(keep))
	for _, rec := range keep {
		result = append(result, rec)
	}
	return result
}

func dedupKey(rec Record) string {
	if rec.Type == TypeLike && rec.HasPost() {
		return fmt.Sprintf("like|%d|%d", *rec.PostID, rec.SenderID)
	}
	return fmt.Sprintf("id|%d", rec.ID)
}

func passthrough(rec Record) Entry {
	return Entry{
		Record:    rec,
		GroupSize: 1,
		MemberIDs: []int64{rec.ID},
	}
}

// collapse turns a same-post group into a single display entry. Groups of one
// pass through unchanged.
func collapse(group []Record) Entry {
	sort.Slice(group, func(i, j int) bool {
		return newerThan(group[i].CreatedAt, group[j].CreatedAt, group[i].ID, group[j].ID)
	})

	if len(group) == 1 {
		return passthrough(group[0])
	}

	var likeCount, commentCount int
	allRead := true
	memberIDs := make([]int64, 0, len(group))
	seenNames := make(map[string]struct{}, len(group))
	var leadNames []string
	distinctSenders := 0

	for _, rec := range group {
		switch rec.Type {
		case TypeLike:
			likeCount++
		case TypeComment:
			commentCount++
		}
		if !rec.IsRead {
			allRead = false
		}
		memberIDs = append(memberIDs, rec.ID)
		if _, seen := seenNames[rec.SenderName]; !seen {
			seenNames[rec.SenderName] = struct{}{}
			distinctSenders++
			if len(leadNames) < maxLeadNames {
				leadNames = append(leadNames, rec.SenderName)
			}
		}
	}

	entry := Entry{
		Record:       group[0],
		GroupSize:    len(group),
		LikeCount:    likeCount,
		CommentCount: commentCount,
		MemberIDs:    memberIDs,
	}
	entry.IsRead = allRead
	entry.Message = groupMessage(leadNames, distinctSenders, len(group), likeCount, commentCount)
	return entry
}

const maxLeadNames = 2

// groupMessage composes the grouped summary, e.g.
// "Lan, Minh and 1 others liked and commented on your post".
//
// The "and N others" count is total members minus named senders, not distinct
// additional senders; the same wording (including "1 others") is what the
// product ships today.
func groupMessage(leadNames []string, distinctSenders, total, likeCount, commentCount int) string {
	var b strings.Builder
	b.WriteString(strings.Join(leadNames, ", "))
	if distinctSenders > len(leadNames) {
		fmt.Fprintf(&b, " and %d others", total-len(leadNames))
	}

	switch {
	case likeCount > 0 && commentCount > 0:
		b.WriteString(" liked and commented on your post")
	case likeCount > 0:
		b.WriteString(" liked your post")
	case commentCount > 0:
		b.WriteString(" commented on your post")
	}
	return b.String()
}
