package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2025-06-15T10:00:00.000000001Z"})
	require.NoError(t, err)

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, "42", decoded.ID)
	require.Equal(t, "2025-06-15T10:00:00.000000001Z", decoded.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!")
	require.Error(t, err)
}

func TestBuildCursorPageInfoTrimsLookahead(t *testing.T) {
	type row struct{ ID string }
	rows := []*row{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	info := BuildCursorPageInfo(rows, 2, func(r *row) string { return r.ID })
	require.True(t, info.HasMore)
	require.Equal(t, "b", info.NextPageToken)

	info = BuildCursorPageInfo(rows[:2], 2, func(r *row) string { return r.ID })
	require.False(t, info.HasMore)
	require.Equal(t, "b", info.NextPageToken)

	info = BuildCursorPageInfo(nil, 2, func(r *row) string { return r.ID })
	require.False(t, info.HasMore)
	require.Empty(t, info.NextPageToken)
}
