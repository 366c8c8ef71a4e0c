package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/target/taskqueue/internal/domain/model"
)

var errAborted = errors.New("aborted by user")

func runList(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(ctx.Out)
	status := fs.String("status", "", "Only show tasks with this status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tasks, err := ctx.Tasks.List(ctx.Ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.Out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tSTATUS"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	shown := 0
	for _, t := range tasks {
		if *status != "" && string(t.Status) != *status {
			continue
		}
		if err := writef(w, "%s\t%s\n", t.ID, t.Status); err != nil {
			return fmt.Errorf("write task %s: %w", t.ID, err)
		}
		shown++
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return writef(ctx.Out, "\n%d task(s)\n", shown)
}

func runStatus(ctx *commandContext, args []string) error {
	id, err := singleID("status", args)
	if err != nil {
		return err
	}
	view, err := ctx.Tasks.GetStatus(ctx.Ctx, id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return writeln(ctx.Out, string(out))
}

type enqueueOptions struct {
	JobType     string
	Params      string
	Correlation string
}

func parseEnqueueOptions(args []string, out io.Writer) (enqueueOptions, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts enqueueOptions
	fs.StringVar(&opts.JobType, "type", "", "Job type tag (required)")
	fs.StringVar(&opts.Params, "params", "{}", "Handler parameters as a JSON object")
	fs.StringVar(&opts.Correlation, "correlation", "", "Optional correlation JSON object echoed in the result")
	if err := fs.Parse(args); err != nil {
		return enqueueOptions{}, err
	}

	opts.JobType = strings.TrimSpace(opts.JobType)
	if opts.JobType == "" {
		return enqueueOptions{}, errors.New("--type is required")
	}
	if !json.Valid([]byte(opts.Params)) {
		return enqueueOptions{}, errors.New("--params must be valid JSON")
	}
	if opts.Correlation != "" && !json.Valid([]byte(opts.Correlation)) {
		return enqueueOptions{}, errors.New("--correlation must be valid JSON")
	}
	return opts, nil
}

func runEnqueue(ctx *commandContext, args []string) error {
	opts, err := parseEnqueueOptions(args, ctx.Out)
	if err != nil {
		return err
	}
	req := &model.CreateTaskRequest{
		JobType: opts.JobType,
		Params:  json.RawMessage(opts.Params),
	}
	if opts.Correlation != "" {
		req.Correlation = json.RawMessage(opts.Correlation)
	}
	task, err := ctx.Tasks.Enqueue(ctx.Ctx, req)
	if err != nil {
		return err
	}
	return writeln(ctx.Out, task.ID)
}

func runDelete(ctx *commandContext, args []string) error {
	id, err := singleID("delete", args)
	if err != nil {
		return err
	}
	if err := ctx.Tasks.Delete(ctx.Ctx, id); err != nil {
		return err
	}
	return writef(ctx.Out, "deleted %s\n", id)
}

func runClear(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	fs.SetOutput(ctx.Out)
	yes := fs.Bool("yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes {
		ok, err := confirm(ctx.In, ctx.Out, "This deletes every queued task and stored result.")
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}
	}
	if err := ctx.Tasks.DeleteAll(ctx.Ctx); err != nil {
		return err
	}
	return writeln(ctx.Out, "all tasks cleared")
}

func runRecover(ctx *commandContext, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("recover takes no arguments, got %q", args)
	}
	n, err := ctx.Tasks.Recover(ctx.Ctx)
	if err != nil {
		return err
	}
	return writef(ctx.Out, "requeued %d task(s)\n", n)
}

func singleID(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("usage: taskqueue-admin %s <task-id>", cmd)
	}
	return strings.TrimSpace(args[0]), nil
}

func confirm(in io.Reader, out io.Writer, warning string) (bool, error) {
	if err := writeln(out, warning); err != nil {
		return false, err
	}
	if err := writef(out, "Continue? [y/N]: "); err != nil {
		return false, fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	return resp == "y" || resp == "yes", nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
