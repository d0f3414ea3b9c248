package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/config"
	"github.com/hackmanhattan/hmbot/internal/heuristic"
	"github.com/hackmanhattan/hmbot/internal/proxy"
	"github.com/hackmanhattan/hmbot/internal/slack"
	"github.com/hackmanhattan/hmbot/internal/transport"
	"github.com/hackmanhattan/hmbot/pkg/client"
)

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	p, err := proxy.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return p.Run(ctx)
}

// buildEnvelope turns flags into a validated command.
func buildEnvelope(kind string, f SendFlags) (command.Envelope, command.Command, error) {
	k, err := command.ParseKind(kind)
	if err != nil {
		return command.Envelope{}, command.Command{}, err
	}
	var h heuristic.Config
	for _, kv := range f.Heuristics {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return command.Envelope{}, command.Command{}, fmt.Errorf("heuristic %q must be name=value", kv)
		}
		h = h.With(name, value)
	}
	env := command.Envelope{
		Command:    k.String(),
		SlackMsg:   slack.Message{Channel: f.Channel, User: f.User, ThreadTS: f.ThreadID},
		ThreadID:   f.ThreadID,
		Input:      f.Input,
		Args:       f.Args,
		Stdin:      f.Stdin,
		Env:        f.Env,
		Heuristics: h,
	}
	if f.PID != 0 {
		env.PID = f.PID
	}
	cmd, err := env.ToCommand()
	if err != nil {
		return command.Envelope{}, command.Command{}, err
	}
	env.ID = cmd.ID
	return env, cmd, nil
}

func runSend(ctx context.Context, configPath, kind string, f SendFlags, out io.Writer) error {
	env, cmd, err := buildEnvelope(kind, f)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		req := client.CommandRequest{
			ID:      env.ID,
			Command: env.Command,
			SlackMsg: client.Origin{
				Channel:  env.SlackMsg.Channel,
				ThreadTS: env.SlackMsg.ThreadTS,
				User:     env.SlackMsg.User,
			},
			ThreadID: env.ThreadID,
			Input:    env.Input,
			Args:     env.Args,
			Stdin:    env.Stdin,
			PID:      f.PID,
			Env:      env.Env,
		}
		if len(env.Heuristics) > 0 {
			req.Heuristics = make(map[string]any, len(env.Heuristics))
			for _, e := range env.Heuristics {
				req.Heuristics[e.Name] = e.Value
			}
		}
		ack, err := newAPIClient(f.APIFlags).SendCommand(ctx, req)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "queued %s %s\n", ack.Kind, ack.ID)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	conn, err := transport.Connect(cfg.NATS, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Publish(ctx, cmd); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "published %s %s\n", cmd.Kind(), cmd.ID)
	return nil
}

func runPS(ctx context.Context, f APIFlags, out io.Writer) error {
	if f.APIUrl == "" {
		return errors.New("--api-url is required")
	}
	procs, err := newAPIClient(f).Processes(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, procs)
}

func runHistory(ctx context.Context, f HistoryFlags, out io.Writer) error {
	if f.APIUrl == "" {
		return errors.New("--api-url is required")
	}
	events, err := newAPIClient(f.APIFlags).History(ctx, f.Limit)
	if err != nil {
		return err
	}
	return printJSON(out, events)
}
