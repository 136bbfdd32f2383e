package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"gemini-interceptor/internal/capture"
	"gemini-interceptor/internal/config"
)

const maxErrorWidth = 60

// runCaptures prints the capture catalog of the configured sink.
func runCaptures(cli *config.CLI, out io.Writer) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	sink, err := capture.NewSink(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	exchanges, err := capture.Catalog(context.Background(), sink)
	if err != nil {
		return err
	}
	renderCatalog(out, exchanges, cli.Captures.Limit)
	return nil
}

// renderCatalog writes the newest limit exchanges (all when limit <= 0) as a
// table, oldest first.
func renderCatalog(out io.Writer, exchanges []capture.Exchange, limit int) {
	if len(exchanges) == 0 {
		_, _ = fmt.Fprintln(out, "No captures found.")
		return
	}
	total := len(exchanges)
	if limit > 0 && total > limit {
		exchanges = exchanges[total-limit:]
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Key", "Method", "Target", "Status", "Body", "Error"})
	for _, e := range exchanges {
		t.AppendRow(table.Row{e.Key.String(), e.Method, e.Target(), status(e), e.BodyKind, truncate(e.Error, maxErrorWidth)})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d of %d", len(exchanges), total)})
	t.Render()
}

func status(e capture.Exchange) string {
	if !e.HasResponse {
		return "pending"
	}
	return strconv.Itoa(e.StatusCode)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
