package postgres

import (
	"fmt"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// listQuery appends the time window, ordering and paging of opts to base,
// which must already contain a WHERE clause. It returns the query and args.
func listQuery(base, timeCol string, args []any, opts domain.ListOpts) (string, []any) {
	q := base
	if opts.Since != nil {
		args = append(args, *opts.Since)
		q += fmt.Sprintf(" AND %s >= $%d", timeCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		q += fmt.Sprintf(" AND %s <= $%d", timeCol, len(args))
	}
	q += " ORDER BY " + timeCol + " DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return q, args
}
