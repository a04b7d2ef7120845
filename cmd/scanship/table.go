package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/bft-labs/scanship/pkg/scanship"
)

var recordHeaders = table.Row{"ID", "Status", "Attempts", "Size", "Updated", "Last Error"}

func renderRecords(recs []*scanship.Record, styled bool) string {
	tw := table.NewWriter()
	if styled {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
		tw.Style().Options = table.OptionsNoBordersAndSeparators
	}

	tw.AppendHeader(recordHeaders)
	for _, rec := range recs {
		tw.AppendRow(table.Row{
			rec.ID,
			rec.Status.String(),
			strconv.Itoa(rec.UploadAttempts),
			strconv.FormatInt(rec.Size, 10),
			rec.UpdatedAt.Local().Format(time.DateTime),
			rec.LastError,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 6, WidthMax: 48},
	})
	return tw.Render()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
