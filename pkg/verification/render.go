package verification

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
)

// Render formats the report as the operator-facing table. It is emitted in
// full before any mismatch is turned into an error.
func (r *Report) Render() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Verification for %v:\n", r.Database)
	t := tabby.NewCustom(tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0))
	t.AddHeader("TABLE", "SOURCE ROWS", "DEST ROWS", "STATUS")
	for _, row := range r.Rows {
		t.AddLine(row.Table, row.SourceRows, row.DestRows, string(row.Status))
	}
	t.Print()
	return buf.String()
}
