package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"evalchat/internal/adapter/llm"
	"evalchat/internal/domain"
	"evalchat/internal/infra/config"
	"evalchat/internal/infra/credentials"
	"evalchat/internal/infra/logger"
	"evalchat/internal/infra/tracer"
	"evalchat/internal/usecase"
	"evalchat/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	model := flag.String("model", "", "model id for the initial session")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return domain.WrapOp("load config", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return domain.WrapOp("setup tracer", err)
	}
	defer shutdownTracer(context.Background())

	// Token lifecycle lives outside the core; the CLI seeds it from env.
	creds := credentials.NewStore(os.Getenv("EVALCHAT_TOKEN"))

	bus := eventbus.New(log)
	defer bus.Close()

	store := usecase.NewStore(cfg.Chat, bus, log)
	client := llm.NewClient(cfg.Endpoint, creds, log)
	controller := usecase.NewController(store, client, bus, cfg.Chat, log)
	defer controller.Close()

	// Print streamed fragments and terminal notices as they arrive.
	streamDone := make(chan struct{}, 1)
	unsub := bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		switch ev.Type {
		case domain.EventStreamDelta:
			var p domain.StreamDeltaPayload
			if err := unmarshalPayload(ev, &p); err == nil {
				fmt.Print(p.Content)
			}
		case domain.EventStreamCompleted:
			fmt.Println()
			select {
			case streamDone <- struct{}{}:
			default:
			}
		case domain.EventStreamError:
			var p domain.StreamErrorPayload
			if err := unmarshalPayload(ev, &p); err == nil {
				fmt.Printf("\nerror: %s\n", p.Error)
			}
			select {
			case streamDone <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if *model != "" {
		s := store.CreateSession(ctx, *model)
		fmt.Printf("session %s (model %s)\n", s.ID, s.ModelID)
	}

	fmt.Println("evalchat - /new <model>, /list, /select <id>, /delete <id>, /cancel, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, line, store, controller); quit {
				break
			}
			continue
		}

		if _, ok := store.ActiveSession(); !ok {
			fmt.Println("no active session - /new <model> first")
			continue
		}

		if !controller.Send(ctx, line) {
			fmt.Println("send rejected - see log")
			continue
		}
		select {
		case <-streamDone:
		case <-ctx.Done():
			controller.CancelActive()
			return nil
		}
	}

	return scanner.Err()
}

// command dispatches one slash command. Returns true to quit.
func command(ctx context.Context, line string, store *usecase.Store, controller *usecase.Controller) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/q":
		return true
	case "/new":
		if arg == "" {
			fmt.Println("usage: /new <model>")
			return false
		}
		s := store.CreateSession(ctx, arg)
		fmt.Printf("session %s (model %s)\n", s.ID, s.ModelID)
	case "/list":
		active := store.ActiveSessionID()
		for _, s := range store.Sessions() {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			fmt.Printf("%s %s  %-20s  %s\n", marker, s.ID, s.Title, s.ModelID)
		}
	case "/select":
		store.SelectSession(ctx, arg)
	case "/delete":
		store.DeleteSession(ctx, arg)
	case "/cancel":
		controller.CancelActive()
	default:
		fmt.Printf("unknown command: %s\n", name)
	}
	return false
}

func unmarshalPayload(ev domain.Event, v any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(ev.Payload, v)
}
