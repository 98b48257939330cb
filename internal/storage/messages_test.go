package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/apperr"
)

func newRoomWithMembers(t *testing.T, store *Store, ids ...string) ConversationRef {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		mustUser(t, store, id, 1000)
	}
	room, _, err := store.CreateRoom(ctx, ids[0], "Room", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	for _, id := range ids[1:] {
		_, _, err := store.JoinRoom(ctx, room.ID, id, 2000)
		require.NoError(t, err)
	}
	return ConversationRef{Kind: ConversationKindRoom, ID: room.ID}
}

func TestAppendMessage_AssignsSeqAndReadReceipt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1", "u2")

	msg, created, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "u2", Text: "hi"}, 3000)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), msg.Seq)
	require.Equal(t, []string{"u2"}, msg.ReadBy)

	room, err := store.GetRoom(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), room.LastSeq)
	require.NotNil(t, room.LastMessage)
	require.Equal(t, "hi", room.LastMessage.Text)
	require.Equal(t, "u2", room.LastMessage.SenderID)
	require.Equal(t, int64(3000), room.LastMessage.AtMs)
}

func TestAppendMessage_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1")
	mustUser(t, store, "outsider", 1000)

	cases := []AppendMessageInput{
		{Conversation: conv, SenderID: "u1", Text: "   "},
		{Conversation: conv, SenderID: "u1", Text: strings.Repeat("x", MaxMessageTextLen+1)},
		{Conversation: conv, SenderID: "u1", Media: &Media{Kind: "audio", URL: "/uploads/a.mp3"}},
		{Conversation: conv, SenderID: "u1", Media: &Media{Kind: MediaKindImage}},
		{Conversation: ConversationRef{Kind: "channel", ID: conv.ID}, SenderID: "u1", Text: "x"},
	}
	for i, in := range cases {
		_, _, err := store.AppendMessage(ctx, in, 3000)
		require.Equal(t, apperr.KindValidation, apperr.KindOf(err), "case %d", i)
	}

	_, _, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "outsider", Text: "x"}, 3000)
	require.ErrorIs(t, err, ErrAccessDenied)

	_, _, err = store.AppendMessage(ctx, AppendMessageInput{
		Conversation: ConversationRef{Kind: ConversationKindRoom, ID: "missing"}, SenderID: "u1", Text: "x",
	}, 3000)
	require.ErrorIs(t, err, ErrNotFound)

	// Media-only messages are allowed and summarized by kind.
	msg, _, err := store.AppendMessage(ctx, AppendMessageInput{
		Conversation: conv, SenderID: "u1", Media: &Media{Kind: MediaKindVideo, URL: "/uploads/v.mp4"},
	}, 4000)
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Seq, "rejected appends must not consume sequence numbers")
	room, err := store.GetRoom(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "[video]", room.LastMessage.Text)
}

func TestAppendMessage_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1")

	in := AppendMessageInput{Conversation: conv, SenderID: "u1", Text: "once", IdempotencyKey: "m-1"}
	first, created, err := store.AppendMessage(ctx, in, 3000)
	require.NoError(t, err)
	require.True(t, created)

	retry, created, err := store.AppendMessage(ctx, in, 3500)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, retry.ID)
	require.Equal(t, first.Seq, retry.Seq)

	page, err := store.ListMessages(ctx, conv, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
}

func TestAppendMessage_IdempotencyKeyScopedToConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := newRoomWithMembers(t, store, "u1")
	second := newRoomWithMembers(t, store, "u1")

	a, created, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: first, SenderID: "u1", Text: "a", IdempotencyKey: "k"}, 3000)
	require.NoError(t, err)
	require.True(t, created)

	b, created, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: second, SenderID: "u1", Text: "b", IdempotencyKey: "k"}, 3100)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, second, b.Conversation)

	again, created, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: first, SenderID: "u1", Text: "a", IdempotencyKey: "k"}, 3200)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, a.ID, again.ID)
}

func TestAppendMessage_ChecksMembershipUnderConversationLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1")

	var steps []string
	store.faultHook = func(step string) error {
		steps = append(steps, step)
		return nil
	}
	defer func() { store.faultHook = nil }()

	_, _, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "outsider", Text: "x"}, 3000)
	require.ErrorIs(t, err, ErrAccessDenied)
	require.Equal(t, []string{stepAppendLocked}, steps)

	steps = nil
	_, _, err = store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "u1", Text: "x"}, 3100)
	require.NoError(t, err)
	require.Equal(t, []string{stepAppendLocked, stepAppendSeq, stepAppendMessage}, steps)

	room, err := store.GetRoom(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), room.LastSeq)
}

func TestAppendMessage_ConcurrentAppendsAreGapless(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1", "u2", "u3")

	const perSender = 15
	senders := []string{"u1", "u2", "u3"}
	var wg sync.WaitGroup
	errs := make(chan error, perSender*len(senders))
	for _, sender := range senders {
		for i := 0; i < perSender; i++ {
			wg.Add(1)
			go func(sender string, i int) {
				defer wg.Done()
				_, _, err := store.AppendMessage(ctx, AppendMessageInput{
					Conversation: conv,
					SenderID:     sender,
					Text:         fmt.Sprintf("%s-%d", sender, i),
				}, int64(3000+i))
				errs <- err
			}(sender, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := perSender * len(senders)
	var all []MessageRow
	after := int64(0)
	for {
		page, err := store.ListMessages(ctx, conv, "u1", after, 10)
		require.NoError(t, err)
		all = append(all, page.Messages...)
		if !page.HasMore {
			break
		}
		after = page.Messages[len(page.Messages)-1].Seq
	}
	require.Len(t, all, total)
	for i, m := range all {
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1", "u2")
	mustUser(t, store, "outsider", 1000)

	msg, _, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "u2", Text: "hi"}, 3000)
	require.NoError(t, err)

	once, changed, err := store.MarkRead(ctx, conv, msg.ID, "u1", 4000)
	require.NoError(t, err)
	require.True(t, changed)
	require.ElementsMatch(t, []string{"u1", "u2"}, once.ReadBy)

	twice, changed, err := store.MarkRead(ctx, conv, msg.ID, "u1", 5000)
	require.NoError(t, err)
	require.False(t, changed)
	require.ElementsMatch(t, once.ReadBy, twice.ReadBy)

	// The sender already has a receipt.
	_, changed, err = store.MarkRead(ctx, conv, msg.ID, "u2", 5000)
	require.NoError(t, err)
	require.False(t, changed)

	_, _, err = store.MarkRead(ctx, conv, msg.ID, "outsider", 5000)
	require.ErrorIs(t, err, ErrAccessDenied)
	_, _, err = store.MarkRead(ctx, conv, "missing", "u1", 5000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListMessages_RequiresParticipant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv := newRoomWithMembers(t, store, "u1")
	mustUser(t, store, "outsider", 1000)

	_, err := store.ListMessages(ctx, conv, "outsider", 0, 10)
	require.ErrorIs(t, err, ErrAccessDenied)

	ok, err := store.IsParticipant(ctx, conv, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.IsParticipant(ctx, conv, "outsider")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPrivateChat_MessagesUseTheirOwnSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "a", 1000)
	mustUser(t, store, "b", 1000)
	mustFriends(t, store, "a", "b", 1500)

	room := newRoomWithMembers(t, store, "c")
	_, _, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: room, SenderID: "c", Text: "room"}, 2000)
	require.NoError(t, err)

	chat, _, err := store.GetOrCreatePrivateChat(ctx, "a", "b", 2000)
	require.NoError(t, err)
	conv := ConversationRef{Kind: ConversationKindPrivate, ID: chat.ID}

	for i := 1; i <= 3; i++ {
		msg, _, err := store.AppendMessage(ctx, AppendMessageInput{Conversation: conv, SenderID: "b", Text: "dm"}, int64(3000+i))
		require.NoError(t, err)
		require.Equal(t, int64(i), msg.Seq)
	}

	page, err := store.ListMessages(ctx, conv, "a", 1, 10)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(2), page.Messages[0].Seq)
	require.Equal(t, []string{"b"}, page.Messages[0].ReadBy)
}
