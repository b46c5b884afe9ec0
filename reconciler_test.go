package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerPushBeforeSendResponse(t *testing.T) {
	for _, withKey := range []bool{true, false} {
		name := "positional"
		if withKey {
			name = "echoed key"
		}
		t.Run(name, func(t *testing.T) {
			r := NewReconciler(me)
			r.Replace([]Message{
				confirmed("srv-a", "c", peer, at(0), "A"),
				confirmed("srv-b", "c", peer, at(60), "B"),
			})
			r.AddOptimistic(optimistic("temp-1", "c", at(120), "C"))

			push := confirmed("srv-9", "c", me, at(120), "C")
			if withKey {
				push = echo("srv-9", "temp-1", "c", at(120), "C")
			}
			res, id := r.ApplyIncoming(push)
			assert.Equal(t, Resolved, res)
			assert.Equal(t, "temp-1", id)

			id = r.Confirm("temp-1", push)
			assert.Equal(t, "temp-1", id)

			msgs := r.Messages()
			require.Len(t, msgs, 3)
			assert.Equal(t, []string{"A", "B", "C"}, texts(msgs))
			assert.Equal(t, "srv-9", msgs[2].ServiceMessageID)
			assert.Equal(t, StatusConfirmed, msgs[2].Status)
		})
	}
}

func TestReconcilerResponseBeforePush(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "hi"))

	r.Confirm("temp-1", echo("srv-1", "temp-1", "c", at(1), "hi"))
	res, _ := r.ApplyIncoming(echo("srv-1", "temp-1", "c", at(1), "hi"))

	assert.Equal(t, Updated, res)
	require.Equal(t, 1, r.Len())
	assert.Equal(t, "temp-1", r.Messages()[0].ID)
}

func TestReconcilerIdempotentMerge(t *testing.T) {
	r := NewReconciler(me)
	m := confirmed("srv-1", "c", peer, at(5), "hello")

	res, _ := r.ApplyIncoming(m)
	assert.Equal(t, Inserted, res)
	once := r.Messages()

	res, _ = r.ApplyIncoming(m)
	assert.Equal(t, Updated, res)
	assert.Equal(t, once, r.Messages())
}

func TestReconcilerSortStability(t *testing.T) {
	msgs := []Message{
		confirmed("m1", "c", peer, at(1), "1"),
		confirmed("m2", "c", peer, at(2), "2"),
		confirmed("m3", "c", peer, at(3), "3"),
		confirmed("m4", "c", peer, at(4), "4"),
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}
	for _, order := range orders {
		r := NewReconciler(me)
		for _, i := range order {
			r.ApplyIncoming(msgs[i])
		}
		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(r.Messages()), "arrival order %v", order)
	}

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		r := NewReconciler(me)
		r.ApplyIncoming(confirmed("x", "c", peer, at(1), "x"))
		r.ApplyIncoming(confirmed("y", "c", peer, at(1), "y"))
		r.ApplyIncoming(confirmed("z", "c", peer, at(1), "z"))
		assert.Equal(t, []string{"x", "y", "z"}, ids(r.Messages()))
	})
}

func TestReconcilerPositionalCorrelation(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "same"))
	r.AddOptimistic(optimistic("temp-2", "c", at(0), "same"))

	r.ApplyIncoming(confirmed("srv-1", "c", me, at(1), "same"))
	r.ApplyIncoming(confirmed("srv-2", "c", me, at(2), "same"))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"temp-1", "temp-2"}, ids(msgs))
	assert.Equal(t, "srv-1", msgs[0].ServiceMessageID)
	assert.Equal(t, "srv-2", msgs[1].ServiceMessageID)
}

func TestReconcilerKeyMatchOutOfOrder(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "first"))
	r.AddOptimistic(optimistic("temp-2", "c", at(0), "second"))

	res, id := r.ApplyIncoming(echo("srv-2", "temp-2", "c", at(1), "second"))
	assert.Equal(t, Resolved, res)
	assert.Equal(t, "temp-2", id)

	first, ok := r.Find("temp-1")
	require.True(t, ok)
	assert.Equal(t, StatusOptimistic, first.Status)
}

func TestReconcilerPeerMessageNeverResolvesOptimistic(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "mine"))

	res, _ := r.ApplyIncoming(confirmed("srv-1", "c", peer, at(1), "theirs"))
	assert.Equal(t, Inserted, res)
	assert.Equal(t, 2, r.Len())
}

func TestReconcilerReplace(t *testing.T) {
	t.Run("keeps unconfirmed local entries", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(100), "pending"))
		r.Replace([]Message{confirmed("srv-a", "c", peer, at(0), "A")})

		assert.Equal(t, []string{"srv-a", "temp-1"}, ids(r.Messages()))
	})

	t.Run("page echo takes over local id", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(100), "pending"))
		r.Replace([]Message{echo("srv-1", "temp-1", "c", at(101), "pending")})

		msgs := r.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "temp-1", msgs[0].ID)
		assert.Equal(t, "srv-1", msgs[0].ServiceMessageID)
	})

	t.Run("page confirmation without key takes over local id", func(t *testing.T) {
		r := NewReconciler(me)
		r.Replace([]Message{confirmed("srv-a", "c", peer, at(0), "A")})
		r.AddOptimistic(optimistic("temp-1", "c", at(60), "C"))
		r.Replace([]Message{
			confirmed("srv-a", "c", peer, at(0), "A"),
			confirmed("srv-9", "c", me, at(60), "C"),
		})
		assert.Equal(t, []string{"srv-a", "temp-1"}, ids(r.Messages()))

		id := r.Confirm("temp-1", confirmed("srv-9", "c", me, at(60), "C"))
		assert.Equal(t, "temp-1", id)

		msgs := r.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, []string{"srv-a", "temp-1"}, ids(msgs))
		assert.Equal(t, "srv-9", msgs[1].ServiceMessageID)
		assert.Equal(t, StatusConfirmed, msgs[1].Status)
	})

	t.Run("own history does not confirm a later send", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(3600), "pending"))
		r.Replace([]Message{confirmed("srv-old", "c", me, at(0), "yesterday")})

		msgs := r.Messages()
		assert.Equal(t, []string{"srv-old", "temp-1"}, ids(msgs))
		assert.Equal(t, StatusOptimistic, msgs[1].Status)
	})

	t.Run("known entries keep their local id", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(0), "hi"))
		r.Confirm("temp-1", confirmed("srv-1", "c", me, at(0), "hi"))
		r.AddOptimistic(optimistic("temp-2", "c", at(5), "again"))

		r.Replace([]Message{
			confirmed("srv-1", "c", me, at(0), "hi"),
			confirmed("srv-2", "c", me, at(5), "again"),
		})
		msgs := r.Messages()
		assert.Equal(t, []string{"temp-1", "temp-2"}, ids(msgs))
		assert.Equal(t, "srv-2", msgs[1].ServiceMessageID)
	})

	t.Run("drops confirmed entries covered by the page", func(t *testing.T) {
		r := NewReconciler(me)
		r.ApplyIncoming(confirmed("old", "c", peer, at(0), "old"))
		r.Replace([]Message{confirmed("srv-a", "c", peer, at(10), "A")})

		assert.Equal(t, []string{"srv-a"}, ids(r.Messages()))
	})

	t.Run("keeps confirmed entries newer than the page", func(t *testing.T) {
		r := NewReconciler(me)
		r.ApplyIncoming(confirmed("late", "c", peer, at(20), "late"))
		r.Replace([]Message{confirmed("srv-a", "c", peer, at(10), "A")})

		assert.Equal(t, []string{"srv-a", "late"}, ids(r.Messages()))
	})

	t.Run("deduplicates the page", func(t *testing.T) {
		r := NewReconciler(me)
		m := confirmed("srv-a", "c", peer, at(10), "A")
		r.Replace([]Message{m, m})
		assert.Equal(t, 1, r.Len())
	})
}

func TestReconcilerConfirmFoldsExistingCopy(t *testing.T) {
	t.Run("copy from an older page", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(60), "C"))
		r.Prepend([]Message{confirmed("srv-9", "c", me, at(60), "C")})
		require.Equal(t, 2, r.Len())

		id := r.Confirm("temp-1", confirmed("srv-9", "c", me, at(60), "C"))
		assert.Equal(t, "temp-1", id)

		msgs := r.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-9", msgs[0].ServiceMessageID)
		assert.Equal(t, StatusConfirmed, msgs[0].Status)
	})

	t.Run("push echo for a copy already listed", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-1", "c", at(60), "C"))
		r.Prepend([]Message{confirmed("srv-9", "c", me, at(60), "C")})

		res, id := r.ApplyIncoming(echo("srv-9", "temp-1", "c", at(60), "C"))
		assert.Equal(t, Resolved, res)
		assert.Equal(t, "temp-1", id)
		assert.Equal(t, []string{"temp-1"}, ids(r.Messages()))
	})

	t.Run("push matched the wrong send", func(t *testing.T) {
		r := NewReconciler(me)
		r.AddOptimistic(optimistic("temp-0", "c", at(0), "first"))
		r.AddOptimistic(optimistic("temp-1", "c", at(0), "second"))

		res, id := r.ApplyIncoming(confirmed("srv-b", "c", me, at(2), "second"))
		require.Equal(t, Resolved, res)
		require.Equal(t, "temp-0", id)

		assert.Equal(t, "temp-1", r.Confirm("temp-1", confirmed("srv-b", "c", me, at(2), "second")))
		assert.Equal(t, "temp-0", r.Confirm("temp-0", confirmed("srv-a", "c", me, at(1), "first")))

		msgs := r.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, []string{"temp-0", "temp-1"}, ids(msgs))
		assert.Equal(t, []string{"first", "second"}, texts(msgs))
		assert.Equal(t, "srv-a", msgs[0].ServiceMessageID)
		assert.Equal(t, "srv-b", msgs[1].ServiceMessageID)
	})
}

func TestReconcilerConfirmAfterSlotTaken(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "mine"))

	// Sent by the same user from another device, no key echoed.
	res, id := r.ApplyIncoming(confirmed("srv-other", "c", me, at(1), "elsewhere"))
	require.Equal(t, Resolved, res)
	require.Equal(t, "temp-1", id)

	id = r.Confirm("temp-1", confirmed("srv-mine", "c", me, at(2), "mine"))
	assert.Equal(t, "temp-1", id)

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"srv-other", "temp-1"}, ids(msgs))

	got, ok := r.Find("temp-1")
	require.True(t, ok)
	assert.Equal(t, "srv-mine", got.ServiceMessageID)
	assert.Equal(t, "mine", got.Text())
}

func TestReconcilerPrepend(t *testing.T) {
	r := NewReconciler(me)
	r.Replace([]Message{
		confirmed("m3", "c", peer, at(3), "3"),
		confirmed("m4", "c", peer, at(4), "4"),
	})

	added := r.Prepend([]Message{
		confirmed("m1", "c", peer, at(1), "1"),
		confirmed("m2", "c", peer, at(2), "2"),
		confirmed("m3", "c", peer, at(3), "3"),
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(r.Messages()))

	oldest, ok := r.Oldest()
	require.True(t, ok)
	assert.True(t, oldest.Equal(at(1)))
}

func TestReconcilerFailRetryDiscard(t *testing.T) {
	r := NewReconciler(me)
	r.AddOptimistic(optimistic("temp-1", "c", at(0), "a"))
	r.AddOptimistic(optimistic("temp-2", "c", at(1), "b"))

	require.True(t, r.Fail("temp-1", "boom"))
	m, ok := r.Find("temp-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, "boom", m.Error)

	t.Run("failed entries are not positional candidates", func(t *testing.T) {
		assert.Equal(t, 1, r.oldestOptimistic())
	})

	t.Run("retry only failed", func(t *testing.T) {
		_, err := r.Retry("temp-2", at(5))
		assert.ErrorIs(t, err, ErrNotFailed)
		_, err = r.Retry("nope", at(5))
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("retry moves to tail", func(t *testing.T) {
		m, err := r.Retry("temp-1", at(5))
		require.NoError(t, err)
		assert.Equal(t, StatusOptimistic, m.Status)
		assert.Empty(t, m.Error)
		assert.Equal(t, "temp-1", m.IdempotencyKey())
		assert.Equal(t, []string{"temp-2", "temp-1"}, ids(r.Messages()))
	})

	t.Run("discard", func(t *testing.T) {
		assert.ErrorIs(t, r.Discard("temp-1"), ErrNotFailed)
		require.True(t, r.Fail("temp-1", "again"))
		require.NoError(t, r.Discard("temp-1"))
		assert.Equal(t, []string{"temp-2"}, ids(r.Messages()))
	})

	t.Run("confirmed entries cannot fail", func(t *testing.T) {
		r.Confirm("temp-2", echo("srv-2", "temp-2", "c", at(2), "b"))
		assert.False(t, r.Fail("temp-2", "late"))
	})
}

func TestReconcilerSoftDelete(t *testing.T) {
	r := NewReconciler(me)
	m := confirmed("srv-1", "c", peer, at(0), "oops")
	r.ApplyIncoming(m)

	m.Deleted = true
	r.ApplyIncoming(m)

	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Deleted)
}

func TestReconcilerLastConfirmed(t *testing.T) {
	r := NewReconciler(me)
	_, ok := r.LastConfirmed()
	assert.False(t, ok)

	r.ApplyIncoming(confirmed("srv-1", "c", peer, at(0), "x"))
	r.AddOptimistic(optimistic("temp-1", "c", at(0).Add(time.Minute), "y"))

	m, ok := r.LastConfirmed()
	require.True(t, ok)
	assert.Equal(t, "srv-1", m.ID)
}
