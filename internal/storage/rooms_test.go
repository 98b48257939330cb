package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/apperr"
)

func TestCreateRoom_ValidatesFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)

	cases := []struct {
		name, desc string
	}{
		{"", ""},
		{"   ", ""},
		{strings.Repeat("n", MaxRoomNameLen+1), ""},
		{"ok", strings.Repeat("d", MaxRoomDescriptionLen+1)},
	}
	for _, tc := range cases {
		_, _, err := store.CreateRoom(ctx, owner.ID, tc.name, tc.desc, CreateRoomOptions{}, 2000)
		require.Equal(t, apperr.KindValidation, apperr.KindOf(err), "name=%q", tc.name)
	}

	room, created, err := store.CreateRoom(ctx, owner.ID, strings.Repeat("n", MaxRoomNameLen), "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, []string{owner.ID}, room.Members)
	require.Equal(t, owner.ID, room.OwnerID)
	require.Zero(t, room.LastSeq)
}

func TestCreateRoom_IdempotencyKeyAndInvites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)
	guest := mustUser(t, store, "guest", 1000)

	opts := CreateRoomOptions{Private: true, Invite: []string{guest.ID, guest.ID, owner.ID}, IdempotencyKey: "room-1"}
	room, created, err := store.CreateRoom(ctx, owner.ID, "Team", "", opts, 2000)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, room.Private)
	require.Equal(t, []string{guest.ID}, room.Invited)

	retry, created, err := store.CreateRoom(ctx, owner.ID, "Team", "", opts, 2100)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, room.ID, retry.ID)

	_, _, err = store.CreateRoom(ctx, owner.ID, "Bad", "", CreateRoomOptions{Invite: []string{"ghost"}}, 2200)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinRoom_PrivateRequiresInvite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)
	guest := mustUser(t, store, "guest", 1000)
	outsider := mustUser(t, store, "outsider", 1000)

	room, _, err := store.CreateRoom(ctx, owner.ID, "Secret", "", CreateRoomOptions{Private: true, Invite: []string{guest.ID}}, 2000)
	require.NoError(t, err)

	_, _, err = store.JoinRoom(ctx, room.ID, outsider.ID, 3000)
	require.ErrorIs(t, err, ErrAccessDenied)

	joined, ok, err := store.JoinRoom(ctx, room.ID, guest.ID, 3000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{owner.ID, guest.ID}, joined.Members)
	require.Empty(t, joined.Invited)

	again, ok, err := store.JoinRoom(ctx, room.ID, guest.ID, 4000)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, joined.Members, again.Members)

	_, _, err = store.JoinRoom(ctx, "missing", guest.ID, 4000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInviteToRoom_MembersOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)
	guest := mustUser(t, store, "guest", 1000)
	outsider := mustUser(t, store, "outsider", 1000)

	room, _, err := store.CreateRoom(ctx, owner.ID, "Team", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)

	_, _, err = store.InviteToRoom(ctx, room.ID, outsider.ID, guest.ID, 3000)
	require.ErrorIs(t, err, ErrAccessDenied)

	r, invited, err := store.InviteToRoom(ctx, room.ID, owner.ID, guest.ID, 3000)
	require.NoError(t, err)
	require.True(t, invited)
	require.Equal(t, []string{guest.ID}, r.Invited)

	_, invited, err = store.InviteToRoom(ctx, room.ID, owner.ID, guest.ID, 3100)
	require.NoError(t, err)
	require.False(t, invited)
}

func TestLeaveRoom_LastMemberDestroysRoom(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)

	room, _, err := store.CreateRoom(ctx, owner.ID, "Solo", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	msg, _, err := store.AppendMessage(ctx, AppendMessageInput{
		Conversation: ConversationRef{Kind: ConversationKindRoom, ID: room.ID},
		SenderID:     owner.ID,
		Text:         "hello",
	}, 2500)
	require.NoError(t, err)

	res, err := store.LeaveRoom(ctx, room.ID, owner.ID, 3000)
	require.NoError(t, err)
	require.True(t, res.Left)
	require.True(t, res.Deleted)

	_, err = store.GetRoom(ctx, room.ID)
	require.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_messages WHERE room_id = ?;`, room.ID).Scan(&n))
	require.Zero(t, n)
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_reads WHERE message_id = ?;`, msg.ID).Scan(&n))
	require.Zero(t, n)
}

func TestLeaveRoom_OwnerTransfersToEarliestMember(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)
	x := mustUser(t, store, "xavier", 1000)
	y := mustUser(t, store, "yolanda", 1000)

	room, _, err := store.CreateRoom(ctx, owner.ID, "Team", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	_, _, err = store.JoinRoom(ctx, room.ID, x.ID, 3000)
	require.NoError(t, err)
	_, _, err = store.JoinRoom(ctx, room.ID, y.ID, 4000)
	require.NoError(t, err)

	res, err := store.LeaveRoom(ctx, room.ID, owner.ID, 5000)
	require.NoError(t, err)
	require.False(t, res.Deleted)
	require.Equal(t, x.ID, res.OwnerChangedTo)
	require.Equal(t, x.ID, res.Room.OwnerID)
	require.Equal(t, []string{x.ID, y.ID}, res.Room.Members)

	// Leaving a room one is not in changes nothing.
	res, err = store.LeaveRoom(ctx, room.ID, owner.ID, 6000)
	require.NoError(t, err)
	require.False(t, res.Left)
}

func TestLeaveRoom_FailureMidwayKeepsMembership(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	owner := mustUser(t, store, "owner", 1000)
	x := mustUser(t, store, "xavier", 1000)

	room, _, err := store.CreateRoom(ctx, owner.ID, "Team", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	_, _, err = store.JoinRoom(ctx, room.ID, x.ID, 3000)
	require.NoError(t, err)

	boom := errors.New("injected failure")
	store.faultHook = func(step string) error {
		if step == stepLeaveTransfer {
			return boom
		}
		return nil
	}
	_, err = store.LeaveRoom(ctx, room.ID, owner.ID, 4000)
	require.ErrorIs(t, err, boom)
	store.faultHook = nil

	got, err := store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, owner.ID, got.OwnerID)
	require.Equal(t, []string{owner.ID, x.ID}, got.Members)
}

func TestListDirectory_OrdersByActivity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	a := mustUser(t, store, "alice", 1000)
	b := mustUser(t, store, "bob", 1000)
	mustFriends(t, store, a.ID, b.ID, 1500)

	older, _, err := store.CreateRoom(ctx, a.ID, "Older", "", CreateRoomOptions{}, 2000)
	require.NoError(t, err)
	newer, _, err := store.CreateRoom(ctx, a.ID, "Newer", "", CreateRoomOptions{}, 3000)
	require.NoError(t, err)
	invite, _, err := store.CreateRoom(ctx, b.ID, "Invite", "", CreateRoomOptions{Invite: []string{a.ID}}, 3500)
	require.NoError(t, err)
	chat, _, err := store.GetOrCreatePrivateChat(ctx, a.ID, b.ID, 4000)
	require.NoError(t, err)

	_, _, err = store.AppendMessage(ctx, AppendMessageInput{
		Conversation: ConversationRef{Kind: ConversationKindRoom, ID: older.ID},
		SenderID:     a.ID,
		Text:         "bump",
	}, 5000)
	require.NoError(t, err)

	entries, err := store.ListDirectory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	require.Equal(t, older.ID, entries[0].Conversation.ID)
	require.Equal(t, "bump", entries[0].LastMessage.Text)
	require.Equal(t, chat.ID, entries[1].Conversation.ID)
	require.Equal(t, b.ID, entries[1].PeerID)
	require.Equal(t, "bob", entries[1].Title)
	require.Equal(t, invite.ID, entries[2].Conversation.ID)
	require.True(t, entries[2].Invited)
	require.Equal(t, newer.ID, entries[3].Conversation.ID)
}
