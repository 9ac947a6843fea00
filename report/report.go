// Package report renders a device pool snapshot as an aligned text table,
// the shape operators actually read at a terminal.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	dp "github.com/xmidt-org/devicepool"
)

// Row is one line of the rendered table.
type Row struct {
	Serial  dp.Serial
	State   string
	Product string
	Variant dp.Variant
	Build   string
	Battery int
}

// WriteTable renders rows to w as a column-aligned table using the standard
// library's text/tabwriter.
func WriteTable(w io.Writer, rows []Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "SERIAL\tSTATE\tPRODUCT\tVARIANT\tBUILD\tBATTERY"); err != nil {
		return err
	}
	for _, r := range rows {
		battery := "-"
		if r.Battery > 0 {
			battery = fmt.Sprintf("%d%%", r.Battery)
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Serial, r.State, r.Product, r.Variant, r.Build, battery); err != nil {
			return err
		}
	}
	return tw.Flush()
}
