package verification

import (
	"sort"

	"github.com/pgshift/pgshift/pkg/abstract"
)

// Missing marks a table present on one side only.
const Missing = "MISSING"

type RowStatus string

const (
	StatusOK       RowStatus = "OK"
	StatusMismatch RowStatus = "MISMATCH"
)

type Row struct {
	Table      string
	SourceRows string
	DestRows   string
	Status     RowStatus
}

type Report struct {
	Database string
	Rows     []Row
	Mismatch bool
}

// Compare diffs two snapshots of one database. Rows are ordered
// lexicographically by qualified table name; counts are compared as captured,
// by exact string equality. Pure: same inputs always produce the same report.
func Compare(db string, src, dst abstract.Snapshot) *Report {
	tables := make([]string, 0, len(src)+len(dst))
	for table := range src {
		tables = append(tables, table)
	}
	for table := range dst {
		if _, ok := src[table]; !ok {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)

	report := &Report{Database: db, Rows: make([]Row, 0, len(tables)), Mismatch: false}
	for _, table := range tables {
		row := Row{Table: table, SourceRows: Missing, DestRows: Missing, Status: StatusMismatch}
		srcRows, srcOK := src[table]
		dstRows, dstOK := dst[table]
		if srcOK {
			row.SourceRows = srcRows
		}
		if dstOK {
			row.DestRows = dstRows
		}
		if srcOK && dstOK && srcRows == dstRows {
			row.Status = StatusOK
		} else {
			report.Mismatch = true
		}
		report.Rows = append(report.Rows, row)
	}
	return report
}
