// Command sweepctl drives a running sweepd over its HTTP API.
//
// Usage:
//
//	sweepctl [-addr http://localhost:8080] <command> [args]
//
// Commands: status, start, pause, resume, kill, upload <queue.yaml>,
// download, switch <path> <experiment> <sample>, csv <run_id>, version.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/labsweep/internal/api"
	"github.com/banshee-data/labsweep/internal/httputil"
	"github.com/banshee-data/labsweep/internal/version"
)

var (
	addr    = flag.String("addr", "http://localhost:8080", "sweepd base URL")
	timeout = flag.Duration("timeout", 30*time.Second, "Request timeout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: sweepctl [flags] status|start|pause|resume|kill|upload FILE|download|switch PATH EXPERIMENT SAMPLE|csv RUN_ID|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := api.NewClient(*addr, httputil.NewClient(*timeout))
	if err := run(context.Background(), c, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sweepctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(out, version.String())
		return nil

	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, st)

	case "start", "pause", "resume", "kill":
		res, err := c.Control(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("%s refused in state %s", cmd, res.State)
		}
		fmt.Fprintf(out, "%s: %s\n", cmd, res.State)
		return nil

	case "upload":
		if len(rest) != 1 {
			return fmt.Errorf("upload takes one queue file")
		}
		f, err := os.Open(rest[0])
		if err != nil {
			return err
		}
		defer f.Close()
		res, err := c.Upload(ctx, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "appended %d actions\n", len(res.IDs))
		return nil

	case "download":
		return c.Download(ctx, out)

	case "switch":
		if len(rest) != 3 {
			return fmt.Errorf("switch takes PATH EXPERIMENT SAMPLE")
		}
		res, err := c.Switch(ctx, api.SwitchRequest{Path: rest[0], Experiment: rest[1], Sample: rest[2]})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued switch %s\n", res.IDs[0])
		return nil

	case "csv":
		if len(rest) != 1 {
			return fmt.Errorf("csv takes one run id")
		}
		return c.ExportCSV(ctx, rest[0], out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
