package service

import (
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/wrm/wrm/cliutil"
	"github.com/go-appsec/wrm/wrm/service/history"
)

// PrintSummary writes the given exchanges as a table, oldest first.
func PrintSummary(w io.Writer, recs []*history.Record) {
	if len(recs) == 0 {
		cliutil.NoResults(w, "No exchanges recorded.")
		return
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"#", "Conn", "Proto", "Method", "Host", "Path", "Status", "Time"})
	t.SetRowPainter(t.StatusRowPainter(6)) // status is column index 6

	for _, r := range recs {
		t.AppendRow(table.Row{
			r.Offset, shortID(r.ConnID), protocolLabel(r), r.Method, r.Host, r.Path,
			statusLabel(r), r.Duration.Round(time.Microsecond),
		})
	}
	t.Render()
	cliutil.Summary(w, len(recs), "exchange", "exchanges")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func protocolLabel(r *history.Record) string {
	if r.TLS {
		return r.Protocol + "+tls"
	}
	return r.Protocol
}

func statusLabel(r *history.Record) string {
	if r.Blocked {
		return "blocked"
	} else if r.Status == 0 {
		return "-"
	}
	return strconv.Itoa(r.Status)
}
