package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/casualjim/roost/bridge"
	"github.com/goccy/go-json"
)

// QueryCmd runs one graph query against the knowledge worker.
type QueryCmd struct {
	Params  string `arg:"" optional:"" help:"JSON query parameters, '-' reads stdin." default:"{}"`
	Metrics bool   `help:"Print the bridge metrics after the query."`
}

func (c *QueryCmd) Run(ctx context.Context, cli *CLI) error {
	params, err := readJSONArg(c.Params, os.Stdin)
	if err != nil {
		return err
	}
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	res, err := s.Bridge().QueryGraph(ctx, params)
	if err != nil {
		return err
	}
	if err := writeResult(os.Stdout, res); err != nil {
		return err
	}
	if c.Metrics {
		return writeMetrics(os.Stderr, s.Bridge().MetricsSnapshot())
	}
	return nil
}

// UpdateCmd applies one graph update.
type UpdateCmd struct {
	Diff string `arg:"" help:"JSON update, '-' reads stdin."`
}

func (c *UpdateCmd) Run(ctx context.Context, cli *CLI) error {
	diff, err := readJSONArg(c.Diff, os.Stdin)
	if err != nil {
		return err
	}
	s, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(s)

	res, err := s.Bridge().ApplyUpdate(ctx, diff)
	if err != nil {
		return err
	}
	return writeResult(os.Stdout, res)
}

func writeResult(w io.Writer, res bridge.Result) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Raw(), "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func writeMetrics(w io.Writer, m bridge.MetricsSnapshot) error {
	_, err := fmt.Fprintf(w, "samples=%d p50=%s p95=%s hit_rate=%.2f cache=%d in_flight=%d restarts=%d\n",
		m.Samples, m.P50, m.P95, m.CacheHitRate, m.CacheSize, m.InFlight, m.Restarts)
	return err
}
