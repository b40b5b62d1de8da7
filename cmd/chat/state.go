package chat

import (
	"slices"
	"sort"
	"time"

	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
)

// Status is the lifecycle of the active conversation.
//
//	Idle -> Loading -> Ready
//	Loading -> Failed, Ready -> Failed (live feed lost)
//	Failed -> Loading (Retry)
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EntryState tags a timeline entry.
type EntryState uint8

const (
	// Pending entries were sent optimistically; ID is a temp id.
	Pending EntryState = iota
	// Confirmed entries carry the server-assigned ID.
	Confirmed
)

func (s EntryState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one message as shown in the timeline.
type Entry struct {
	messaging.Message
	State EntryState
	// Images lists the inline image URLs embedded in Content, in order.
	Images []string
}

// ConversationItem is a conversation decorated with the other participant's profile.
type ConversationItem struct {
	Conversation messaging.Conversation
	Other        profile.Profile
}

// Snapshot is an immutable copy of the view state.
type Snapshot struct {
	Conversations []ConversationItem
	// ActiveID is the selected conversation, or "" when nothing is selected.
	ActiveID string
	Active   ConversationItem
	Messages []Entry
	Draft    string
	Status   Status
	// Uploading is true while an attachment upload is in flight.
	Uploading bool
	Err       error
}

// timeline holds the active conversation's entries ordered by (CreatedAt, arrival).
// Lookups go through the id and correlation-id maps; the slice is only for order.
type timeline struct {
	entries  []*entry
	byID     map[string]*entry
	byClient map[string]*entry
	arrivals uint64
}

type entry struct {
	Entry
	arrival uint64
}

func newTimeline() *timeline {
	return &timeline{
		byID:     make(map[string]*entry),
		byClient: make(map[string]*entry),
	}
}

func (t *timeline) reset() {
	t.entries = nil
	clear(t.byID)
	clear(t.byClient)
}

func (t *timeline) len() int { return len(t.entries) }

func less(a, b *entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.arrival < b.arrival
}

func (t *timeline) insert(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return less(e, t.entries[i]) })
	t.entries = slices.Insert(t.entries, i, e)
	t.byID[e.ID] = e
	if e.ClientMsgID != "" {
		t.byClient[e.ClientMsgID] = e
	}
}

// remove drops e from the ordered slice and both indexes.
func (t *timeline) remove(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return !less(t.entries[i], e) })
	if i < len(t.entries) && t.entries[i] == e {
		t.entries = slices.Delete(t.entries, i, i+1)
	}
	if t.byID[e.ID] == e {
		delete(t.byID, e.ID)
	}
	if e.ClientMsgID != "" && t.byClient[e.ClientMsgID] == e {
		delete(t.byClient, e.ClientMsgID)
	}
}

// addPending inserts an optimistic entry.
func (t *timeline) addPending(m messaging.Message) {
	t.arrivals++
	t.insert(&entry{Entry: newEntry(m, Pending), arrival: t.arrivals})
}

func newEntry(m messaging.Message, state EntryState) Entry {
	return Entry{Message: m, State: state, Images: messaging.ImageURLs(m.Content)}
}

// merge applies a confirmed message and reports whether the timeline changed.
//   - known id: duplicate, discarded
//   - known correlation id: the pending entry is confirmed in place
//   - otherwise: inserted at its sorted position
func (t *timeline) merge(m messaging.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}

	if m.ClientMsgID != "" {
		if e, ok := t.byClient[m.ClientMsgID]; ok {
			// Keep the arrival slot so ties stay where the user first saw the message.
			t.remove(e)
			e.Entry = newEntry(m, Confirmed)
			t.insert(e)
			return true
		}
	}

	t.arrivals++
	t.insert(&entry{Entry: newEntry(m, Confirmed), arrival: t.arrivals})
	return true
}

// dropPending removes the pending entry for clientMsgID. Confirmed entries are kept.
func (t *timeline) dropPending(clientMsgID string) bool {
	e, ok := t.byClient[clientMsgID]
	if !ok || e.State != Pending {
		return false
	}
	t.remove(e)
	return true
}

func (t *timeline) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Entry
	}
	return out
}

// sortConversations orders items by last activity, most recent first.
func sortConversations(items []ConversationItem) {
	slices.SortStableFunc(items, func(a, b ConversationItem) int {
		if c := b.Conversation.LastActivityAt.Compare(a.Conversation.LastActivityAt); c != 0 {
			return c
		}
		if a.Conversation.ID > b.Conversation.ID {
			return -1
		}
		if a.Conversation.ID < b.Conversation.ID {
			return 1
		}
		return 0
	})
}

// bumpActivity advances a listed conversation's LastActivityAt and keeps the list ordered.
func bumpActivity(items []ConversationItem, conversationID string, ts time.Time) bool {
	for i := range items {
		if items[i].Conversation.ID != conversationID {
			continue
		}
		if !ts.After(items[i].Conversation.LastActivityAt) {
			return false
		}
		items[i].Conversation.LastActivityAt = ts
		sortConversations(items)
		return true
	}
	return false
}
