// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmdutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/term"
)

const (
	OutputTable       = "table"
	OutputJSON        = "json"
	OutputOpenMetrics = "openmetrics"
)

type OutputEmbed struct {
	Output   string `optional:"" short:"o" default:"table" enum:"table,json,openmetrics" help:"Output format"`
	NoHeader bool   `optional:"" help:"Suppress the header in table format output"`
}

// Header reports whether a table written to w gets a header line. Headers
// only go to terminals so the table can be piped into other tools.
func (o *OutputEmbed) Header(w io.Writer) bool {
	if o.NoHeader {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Table is a tab separated table with an optional header.
type Table struct {
	w *tabwriter.Writer
}

func NewTable(w io.Writer, header bool, columns ...string) *Table {
	t := &Table{w: tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)}
	if header {
		t.Row(columns...)
	}
	return t
}

func (t *Table) Row(cells ...string) {
	fmt.Fprint(t.w, strings.Join(cells, "\t"), "\t\n")
}

func (t *Table) Flush() error {
	return t.w.Flush()
}

func WriteJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// WriteMetrics gathers every collector in a pedantic registry and writes the
// text exposition format.
func WriteMetrics(w io.Writer, cs ...prometheus.Collector) error {
	reg := prometheus.NewPedanticRegistry()
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to serialize metrics: %w", err)
		}
	}
	return nil
}

// ConstCollector hands out a fixed set of metrics.
type ConstCollector struct {
	Metrics []prometheus.Metric
}

func (mc *ConstCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.Metrics {
		c <- m
	}
}

// Describe sends nothing, which makes the collector unchecked.
func (mc *ConstCollector) Describe(c chan<- *prometheus.Desc) {
}
