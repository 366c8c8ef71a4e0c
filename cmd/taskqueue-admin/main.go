package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/target/taskqueue/config"
	"github.com/target/taskqueue/internal/bootstrap"
	"github.com/target/taskqueue/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Tasks  *service.TaskService
	Out    io.Writer
	In     io.Reader
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	if err := run(cmd, logger, os.Args[2:]); err != nil {
		logger.Error("command failed", "command", cmdName, "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func run(cmd command, logger *slog.Logger, args []string) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	bootstrap.SetLogLevel(cfg.SlogLevel())
	// Operators may enqueue for job types no local handler serves.
	cfg.HTTP.RestrictJobTypes = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks, closeFn, err := connectTasks(ctx, logger, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			logger.Warn("close infrastructure", "error", cerr)
		}
	}()

	return cmd.run(&commandContext{
		Ctx:    ctx,
		Logger: logger,
		Tasks:  tasks,
		Out:    os.Stdout,
		In:     os.Stdin,
	}, args)
}

// connectTasks builds a task service against the configured Redis deployment.
func connectTasks(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) (*service.TaskService, func() error, error) {
	client, err := bootstrap.ConnectRedis(ctx, bootstrap.RedisConnectConfig{Redis: cfg.Redis, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{Config: cfg, RedisClient: client, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return services.Tasks, client.Close, nil
}

func commands() map[string]command {
	return map[string]command{
		"list": {
			name:        "list",
			description: "List every known task with its status",
			run:         runList,
		},
		"status": {
			name:        "status",
			description: "Show the status and result of one task",
			run:         runStatus,
		},
		"enqueue": {
			name:        "enqueue",
			description: "Enqueue a task",
			run:         runEnqueue,
		},
		"delete": {
			name:        "delete",
			description: "Delete one task and its result",
			run:         runDelete,
		},
		"clear": {
			name:        "clear",
			description: "Delete every queued task, task record and result",
			run:         runClear,
		},
		"recover": {
			name:        "recover",
			description: "Move tasks stuck in processing back to pending",
			run:         runRecover,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: taskqueue-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writef(w, "  %-10s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}
