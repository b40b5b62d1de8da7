package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duet/cmd/messaging"
	"duet/cmd/messaging/ids"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func entryIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestTimeline_EchoConfirmsPendingInPlace(t *testing.T) {
	tl := newTimeline()

	tl.addPending(messaging.Message{ID: ids.TempMessageID("c1"), ClientMsgID: "c1", Content: "hi", CreatedAt: t0.Add(time.Second)})
	require.True(t, tl.merge(messaging.Message{ID: "m1", ClientMsgID: "c1", Content: "hi", CreatedAt: t0.Add(time.Second)}))
	require.True(t, tl.merge(messaging.Message{ID: "m2", ClientMsgID: "r1", Content: "yo", CreatedAt: t0.Add(2 * time.Second)}))

	got := tl.snapshot()
	require.Equal(t, []string{"m1", "m2"}, entryIDs(got))
	require.Equal(t, Confirmed, got[0].State)
	require.Equal(t, Confirmed, got[1].State)
}

func TestTimeline_DuplicateIDDiscarded(t *testing.T) {
	tl := newTimeline()
	m := messaging.Message{ID: "m1", ClientMsgID: "c1", CreatedAt: t0}

	require.True(t, tl.merge(m))
	require.False(t, tl.merge(m))
	require.Equal(t, 1, tl.len())
}

func TestTimeline_OrdersByTimestampThenArrival(t *testing.T) {
	tl := newTimeline()

	tl.merge(messaging.Message{ID: "late", CreatedAt: t0.Add(3 * time.Second)})
	tl.merge(messaging.Message{ID: "early", CreatedAt: t0.Add(time.Second)})
	tl.merge(messaging.Message{ID: "tie-a", CreatedAt: t0.Add(2 * time.Second)})
	tl.merge(messaging.Message{ID: "tie-b", CreatedAt: t0.Add(2 * time.Second)})

	require.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, entryIDs(tl.snapshot()))
}

func TestTimeline_ConfirmationMovesToServerTimestamp(t *testing.T) {
	tl := newTimeline()

	tl.addPending(messaging.Message{ID: ids.TempMessageID("c1"), ClientMsgID: "c1", CreatedAt: t0})
	tl.merge(messaging.Message{ID: "m2", CreatedAt: t0.Add(time.Second)})
	// The server clamped the timestamp forward past m2.
	tl.merge(messaging.Message{ID: "m1", ClientMsgID: "c1", CreatedAt: t0.Add(2 * time.Second)})

	require.Equal(t, []string{"m2", "m1"}, entryIDs(tl.snapshot()))
	require.Equal(t, 2, len(tl.byID))
}

func TestTimeline_DropPending(t *testing.T) {
	tl := newTimeline()

	tl.addPending(messaging.Message{ID: ids.TempMessageID("c1"), ClientMsgID: "c1", CreatedAt: t0})
	tl.merge(messaging.Message{ID: "m2", ClientMsgID: "c2", CreatedAt: t0})

	require.True(t, tl.dropPending("c1"))
	require.False(t, tl.dropPending("c1"))
	require.False(t, tl.dropPending("c2"), "confirmed entries stay")
	require.Equal(t, []string{"m2"}, entryIDs(tl.snapshot()))
}

func TestTimeline_EntryImages(t *testing.T) {
	tl := newTimeline()
	content := "look" + messaging.EmbedImage(messaging.DefaultImageAlt, "https://cdn/a.png") + "and" +
		messaging.EmbedImage("second", "https://cdn/b.png")

	tl.addPending(messaging.Message{ID: ids.TempMessageID("c1"), ClientMsgID: "c1", Content: content, CreatedAt: t0})
	require.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.png"}, tl.snapshot()[0].Images)

	tl.merge(messaging.Message{ID: "m1", ClientMsgID: "c1", Content: "edited" + messaging.EmbedImage("", "https://cdn/c.png"), CreatedAt: t0})
	got := tl.snapshot()
	require.Equal(t, Confirmed, got[0].State)
	require.Equal(t, []string{"https://cdn/c.png"}, got[0].Images)

	tl.merge(messaging.Message{ID: "m2", Content: "plain text", CreatedAt: t0.Add(time.Second)})
	require.Empty(t, tl.snapshot()[1].Images)
}

func TestTimeline_Reset(t *testing.T) {
	tl := newTimeline()
	tl.merge(messaging.Message{ID: "m1", ClientMsgID: "c1", CreatedAt: t0})
	tl.reset()

	require.Zero(t, tl.len())
	require.True(t, tl.merge(messaging.Message{ID: "m1", ClientMsgID: "c1", CreatedAt: t0}))
}

func TestSortConversationsAndBump(t *testing.T) {
	items := []ConversationItem{
		{Conversation: messaging.Conversation{ID: "a", LastActivityAt: t0}},
		{Conversation: messaging.Conversation{ID: "b", LastActivityAt: t0.Add(time.Minute)}},
		{Conversation: messaging.Conversation{ID: "c", LastActivityAt: t0}},
	}
	sortConversations(items)
	require.Equal(t, "b", items[0].Conversation.ID)
	require.Equal(t, "c", items[1].Conversation.ID)
	require.Equal(t, "a", items[2].Conversation.ID)

	require.True(t, bumpActivity(items, "a", t0.Add(2*time.Minute)))
	require.Equal(t, "a", items[0].Conversation.ID)
	require.False(t, bumpActivity(items, "a", t0), "older timestamps never move activity back")
	require.False(t, bumpActivity(items, "missing", t0.Add(time.Hour)))
}
