package main

import (
	"io"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/meigma/rip"
)

// digestLen is how many hex digits of the digest the summary shows.
const digestLen = 12

// renderSummary prints one row per archive.
func renderSummary(w io.Writer, s rip.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Source", "Archive", "Status", "Entries", "Skipped", "Size", "Digest"})

	var total uint64
	for _, r := range s.Results {
		t.AppendRow(table.Row{r.Source, archiveCell(r), statusCell(r), r.Entries, r.Skipped, sizeCell(r), digestCell(r)})
		total += r.Size
	}
	if len(s.Results) > 1 {
		t.AppendFooter(table.Row{"", "", "", "", "", units.BytesSize(float64(total)), ""})
	}
	t.Render()
}

func archiveCell(r rip.Result) string {
	if r.Status == rip.StatusFailed {
		return r.Err.Error()
	}
	return r.Output
}

func statusCell(r rip.Result) string {
	if r.Truncated {
		return r.Status.String() + " (truncated)"
	}
	return r.Status.String()
}

func sizeCell(r rip.Result) string {
	if r.Status == rip.StatusFailed {
		return "-"
	}
	return units.BytesSize(float64(r.Size))
}

func digestCell(r rip.Result) string {
	if r.Digest == "" {
		return "-"
	}
	enc := r.Digest.Encoded()
	if len(enc) > digestLen {
		enc = enc[:digestLen]
	}
	return enc
}
