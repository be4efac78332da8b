package query

import "github.com/xaenox/botadmin/internal/schema"

// Find evaluates the filter, ordering, distinct and pagination of args over
// the rows of m. Shaping (select, include, omit, _count) is left to the
// caller. args must be normalized.
func Find(src RowSource, m *schema.Model, args FindArgs) []Record {
	all := src.Rows(m.Name)

	var cursor Record
	if args.Cursor != nil {
		for _, r := range all {
			if Match(src, m, *args.Cursor, r) {
				cursor = r
				break
			}
		}
		if cursor == nil {
			return []Record{}
		}
	}

	rows := FilterRows(src, m, args.Where, all)
	SortRows(m, rows, args.OrderBy)
	rows = Distinct(rows, args.Distinct)
	return Window(EffectiveOrder(m, args.OrderBy), rows, cursor, args.Take, args.Skip)
}
