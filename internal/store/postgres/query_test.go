package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

func TestListQueryNumbersArgsInOrder(t *testing.T) {
	since := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	q := newListQuery(`SELECT * FROM trades WHERE symbol = $1`, "AAPL")
	q.window("exit_time", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	q.page("exit_time DESC", domain.ListOpts{Limit: 10, Offset: 20})

	assert.Equal(t,
		`SELECT * FROM trades WHERE symbol = $1 AND exit_time >= $2 ORDER BY exit_time DESC LIMIT $3 OFFSET $4`,
		q.sql)
	assert.Equal(t, []any{"AAPL", since, 10, 20}, q.args)
}

func TestListQueryWithoutOptions(t *testing.T) {
	q := newListQuery(`SELECT id FROM audit_log WHERE 1=1`)
	q.window("created_at", domain.ListOpts{})
	q.page("created_at DESC", domain.ListOpts{})

	assert.Equal(t, `SELECT id FROM audit_log WHERE 1=1 ORDER BY created_at DESC`, q.sql)
	assert.Empty(t, q.args)
}
