package postgres

import (
	"fmt"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// listQuery accumulates WHERE clauses and positional args.
type listQuery struct {
	sql  string
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	return &listQuery{sql: base, args: args}
}

func (q *listQuery) where(clause string, arg any) {
	q.args = append(q.args, arg)
	q.sql += fmt.Sprintf(" AND "+clause, len(q.args))
}

// window applies opts.Since/Until to col.
func (q *listQuery) window(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(col+" <= $%d", *opts.Until)
	}
}

// page appends ORDER BY, LIMIT and OFFSET.
func (q *listQuery) page(orderBy string, opts domain.ListOpts) {
	q.sql += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}
