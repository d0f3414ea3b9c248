package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hackmanhattan/hmbot"
)

// embedded: run the proxy in-process with replies printed to stdout instead of Slack.
// A persistent cat is bound to thread "demo", fed one line, then everything is shut down.
type stdoutNotifier struct{}

func (stdoutNotifier) Respond(_ context.Context, r hmbot.Reply) error {
	fmt.Printf("[%s/%s] %s\n", r.Channel, r.ThreadTS, r.Text)
	return nil
}

func main() {
	cfg := hmbot.DefaultConfig()
	cfg.NATS.Enabled = false
	cfg.ProcessLog.Dir = os.TempDir()

	p, err := hmbot.NewProxy(&cfg, hmbot.WithNotifier(stdoutNotifier{}))
	if err != nil {
		panic(err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	ctx := context.Background()
	from := hmbot.Message{Channel: "local", TS: "1", User: "example"}
	steps := []hmbot.Command{
		hmbot.NewCommand(from, hmbot.Create{Args: []string{"cat"}, ThreadID: "demo"}),
		hmbot.NewCommand(from, hmbot.Write{ThreadID: "demo", Input: "> hello from the embedded proxy"}),
		hmbot.NewCommand(from, hmbot.PS{}),
	}
	for _, c := range steps {
		if err := p.Enqueue(ctx, c); err != nil {
			panic(err)
		}
		time.Sleep(300 * time.Millisecond)
	}
	_ = p.Enqueue(ctx, hmbot.NewCommand(from, hmbot.Quit{}))
	if err := <-done; err != nil {
		panic(err)
	}
}
