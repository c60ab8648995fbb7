package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/san-kum/helmet-detect/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *EventLog {
	t.Helper()
	l, err := NewEventLog(filepath.Join(t.TempDir(), "violations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEventLog_AppendAndList(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i, src := range []models.ViolationSource{models.SourceUpload, models.SourceMonitor, models.SourceBase64} {
		require.NoError(t, l.Append(ctx, models.ViolationRecord{
			FileName:      "violation_" + string(rune('a'+i)) + ".jpg",
			Source:        src,
			NoHelmetCount: i + 1,
			MaxConfidence: 0.5,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := l.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.SourceBase64, records[0].Source)
	assert.Equal(t, 3, records[0].NoHelmetCount)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), records[0].CreatedAt.UnixMilli())
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, models.SourceMonitor, records[1].Source)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEventLog_EmptyListIsNotNil(t *testing.T) {
	records, err := newTestLog(t).List(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestEventLog_MigrateIsIdempotent(t *testing.T) {
	l := newTestLog(t)
	assert.NoError(t, l.Migrate())
}
