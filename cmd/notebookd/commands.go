package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/notebookd"
	"github.com/loykin/notebookd/internal/config"
	"github.com/loykin/notebookd/internal/resolver"
	"github.com/loykin/notebookd/internal/settings"
	"github.com/loykin/notebookd/pkg/client"
)

type outWriter = io.Writer

// command runs CLI verbs against the daemon's HTTP API.
type command struct {
	global *GlobalFlags
	out    outWriter
}

func runServe(ctx context.Context, path string) error {
	cfg, err := notebookd.LoadConfig(path)
	if err != nil {
		return err
	}
	app, err := notebookd.New(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// apiURL prefers --api-url, then the listen address and base path from the
// config file.
func (c command) apiURL() string {
	if c.global.APIUrl != "" {
		return strings.TrimRight(c.global.APIUrl, "/")
	}
	cfg := config.Default()
	if c.global.ConfigPath != "" {
		if loaded, err := config.Load(c.global.ConfigPath); err == nil {
			cfg = loaded
		}
	}
	return "http://" + cfg.Server.Listen + cfg.Server.BasePath
}

func (c command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.apiURL(), Timeout: c.global.APITimeout})
}

func (c command) Start(ctx context.Context, f StartFlags) error {
	req := client.StartRequest{
		Port:             f.Port,
		PythonExecutable: f.Python,
		WorkingDir:       f.WorkDir,
		Env:              f.Env,
		OpenFile:         f.OpenFile,
	}
	if f.UseNotebookSet {
		nb := f.UseNotebook
		req.UseNotebook = &nb
	}
	if f.Args != "" {
		args, err := resolver.SplitArgs(f.Args)
		if err != nil {
			return fmt.Errorf("--args: %w", err)
		}
		req.Args = args
	}
	res, err := c.client().Start(ctx, req)
	if err != nil {
		return err
	}
	return c.printResult("start", res)
}

func (c command) Stop(ctx context.Context) error {
	res, err := c.client().Stop(ctx)
	if err != nil {
		return err
	}
	return c.printResult("stop", res)
}

func (c command) Restart(ctx context.Context) error {
	res, err := c.client().Restart(ctx, nil)
	if err != nil {
		return err
	}
	return c.printResult("restart", res)
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl := c.client()
	if !f.Watch {
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		return c.printStatus(st)
	}
	for st := range cl.Watch(ctx, f.Interval) {
		if err := c.printStatus(st); err != nil {
			return err
		}
		if !c.global.JSON {
			_, _ = fmt.Fprintln(c.out)
		}
	}
	return nil
}

func (c command) Health(ctx context.Context) error {
	h, err := c.client().Health(ctx)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return c.printJSON(h)
	}
	if !h.OK {
		return fmt.Errorf("daemon unhealthy")
	}
	_, err = fmt.Fprintln(c.out, "ok")
	return err
}

func (c command) Detect(ctx context.Context, python string) error {
	info, err := c.client().Detect(ctx, python)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return c.printJSON(info)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "python:\t%s\n", info.Executable)
	_, _ = fmt.Fprintf(tw, "version:\t%s\n", info.Version)
	_, _ = fmt.Fprintf(tw, "jupyterlab:\t%s\n", orDash(info.JupyterLab))
	_, _ = fmt.Fprintf(tw, "notebook:\t%s\n", orDash(info.Notebook))
	return tw.Flush()
}

func (c command) ConfigGet(ctx context.Context) error {
	kv, err := c.client().LoadConfig(ctx)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return c.printJSON(kv)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, k := range settings.Keys(kv) {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", k, kv[k])
	}
	return tw.Flush()
}

func (c command) ConfigSet(ctx context.Context, pairs []string) error {
	kv := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%q: expected KEY=VALUE", p)
		}
		kv[strings.TrimSpace(k)] = v
	}
	if err := c.client().SaveConfig(ctx, kv); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "saved %d setting(s)\n", len(kv))
	return err
}

func (c command) printResult(op string, res client.Result) error {
	if c.global.JSON {
		if err := c.printJSON(res); err != nil {
			return err
		}
	} else {
		if res.Message != "" {
			_, _ = fmt.Fprintln(c.out, res.Message)
		}
		if err := c.printStatus(res.Status); err != nil {
			return err
		}
	}
	if !res.Success {
		return fmt.Errorf("%s failed (%s)", op, res.ErrorKind)
	}
	return nil
}

func (c command) printStatus(st client.Status) error {
	if c.global.JSON {
		return c.printJSON(st)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "state:\t%s\n", st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid:\t%d\n", st.PID)
	}
	if st.URL != "" {
		_, _ = fmt.Fprintf(tw, "url:\t%s\n", st.URL)
	}
	if st.UptimeSeconds > 0 {
		_, _ = fmt.Fprintf(tw, "uptime:\t%s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	}
	_, _ = fmt.Fprintf(tw, "restarts:\t%d\n", st.RestartCount)
	if st.RSSBytes > 0 {
		_, _ = fmt.Fprintf(tw, "memory:\t%.1f MiB\n", float64(st.RSSBytes)/(1<<20))
		_, _ = fmt.Fprintf(tw, "cpu:\t%.1f%%\n", st.CPUPercent)
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(tw, "last error:\t%s\n", st.LastError)
	}
	return tw.Flush()
}

func (c command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
