package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/pgkeeper/db"
	"github.com/migadu/pgkeeper/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgxHandleAgainstDatabase(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)

	ctx := context.Background()

	latency, err := db.Probe(ctx, td.Handle, 5*time.Second)
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	rows, err := td.Handle.Query(ctx, "SELECT generate_series(1, 3)")
	require.NoError(t, err)
	var sum int
	for rows.Next() {
		var n int
		require.NoError(t, rows.Scan(&n))
		sum += n
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 6, sum)

	_, err = td.Handle.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	stats := td.Handle.Stats()
	assert.GreaterOrEqual(t, stats.Total, int32(1))
	assert.Equal(t, int32(0), stats.Waiting)
}
