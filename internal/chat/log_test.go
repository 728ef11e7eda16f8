package chat

import (
	"fmt"
	"testing"

	"broadcaster/native/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(i int) domain.ChatMessage {
	return domain.ChatMessage{ID: fmt.Sprint(i), Nickname: "nick", Body: fmt.Sprintf("body %d", i)}
}

func ids(msgs []domain.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendRejectsMissingFields(t *testing.T) {
	l := NewLog(3)
	assert.False(t, l.Append(domain.ChatMessage{ID: "1", Body: "hi"}))
	assert.False(t, l.Append(domain.ChatMessage{ID: "2", Nickname: "n"}))
	assert.True(t, l.Append(domain.ChatMessage{Nickname: "n", Body: "hi"}))
	assert.Equal(t, 1, l.Len())
}

func TestAppendEvictsExactlyOldest(t *testing.T) {
	l := NewLog(3, WithHistory(2))
	for i := 1; i <= 6; i++ {
		require.True(t, l.Append(msg(i)))
	}
	require.Equal(t, 6, l.Len())

	l.Append(msg(7))
	require.Equal(t, []string{"2", "3", "4", "5", "6", "7"}, ids(l.Messages()))

	l.Append(msg(8))
	require.Equal(t, []string{"3", "4", "5", "6", "7", "8"}, ids(l.Messages()))
}

func TestEvictionUsesRenderedHeight(t *testing.T) {
	l := NewLog(2, WithHistory(2), WithMeasure(func(m domain.ChatMessage) int {
		return len(m.Body) / 4
	}))
	l.Append(domain.ChatMessage{ID: "a", Nickname: "n", Body: "xxxxxxxx"})
	l.Append(domain.ChatMessage{ID: "b", Nickname: "n", Body: "xxxxxxxx"})
	require.Equal(t, 4, l.Height())

	l.Append(domain.ChatMessage{ID: "c", Nickname: "n", Body: "xxxx"})
	require.Equal(t, []string{"b", "c"}, ids(l.Messages()))
	require.Equal(t, 3, l.Height())
}

func TestDeleteInPlace(t *testing.T) {
	l := NewLog(10)
	for i := 1; i <= 3; i++ {
		l.Append(msg(i))
	}

	require.True(t, l.Delete("2"))
	got := l.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, domain.ModeratedBody, got[1].Body)
	assert.True(t, got[1].Deleted)
	assert.Equal(t, "body 1", got[0].Body)
	assert.Equal(t, "body 3", got[2].Body)

	before := l.Messages()
	require.False(t, l.Delete("404"))
	require.Equal(t, before, l.Messages())
}

func TestDeleteEvictedIsNoop(t *testing.T) {
	l := NewLog(1, WithHistory(2))
	l.Append(msg(1))
	l.Append(msg(2))
	l.Append(msg(3))
	require.Equal(t, []string{"2", "3"}, ids(l.Messages()))

	require.False(t, l.Delete("1"))
	require.Equal(t, []string{"2", "3"}, ids(l.Messages()))
}

func TestScrollFollowsOnlyAtBottom(t *testing.T) {
	l := NewLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(msg(i))
	}
	require.True(t, l.AtBottom())
	require.Equal(t, 2, l.Offset())

	l.ScrollTo(0)
	l.Append(msg(6))
	require.Equal(t, 0, l.Offset())
	require.False(t, l.AtBottom())

	l.ScrollTo(100)
	require.Equal(t, 3, l.Offset())
	l.Append(msg(7))
	require.Equal(t, 4, l.Offset())
	require.True(t, l.AtBottom())
}

func TestScrollKeptAcrossEviction(t *testing.T) {
	l := NewLog(2, WithHistory(2))
	for i := 1; i <= 4; i++ {
		l.Append(msg(i))
	}
	l.ScrollTo(1)

	l.Append(msg(5))
	require.Equal(t, []string{"2", "3", "4", "5"}, ids(l.Messages()))
	require.Equal(t, 0, l.Offset())
}
