package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/logger"
	"ankie/internal/infra/tracer"
	"ankie/internal/usecase/orchestrator"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "chat":
		if err := runChat(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'ankie --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`ankie - multi-agent orchestration server

USAGE:
    ankie [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the orchestrator and WebSocket gateway (default)
    chat MSG    Run one turn from the terminal, answering approvals inline
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --thread ID        Thread to continue (chat only)
    --agent ID         Address a specific agent (chat only)

CONFIGURATION:
    Config file: ./config.yaml, or $ANKIE_CONFIG
    Environment: ANKIE_* variables override config

EXAMPLES:
    ankie
    ankie --config /etc/ankie/config.yaml
    ankie chat "schedule a review with the team on Friday"
    ankie chat --thread 01J9Z... "and email them the agenda"
    ankie doctor`)
}

// configPath returns the --config flag value, then $ANKIE_CONFIG, then
// ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ANKIE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// bootstrap loads config and sets up logging and tracing. The returned
// cleanup flushes both.
func bootstrap(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
		closeLog()
	}
	return cfg, log, cleanup, nil
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := app.Pruner.Start(ctx); err != nil {
		return fmt.Errorf("checkpoint retention: %w", err)
	}
	defer app.Pruner.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				app.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("ankie started",
		"supervisor", cfg.Agents.Supervisor,
		"agents", len(cfg.Agents.Definitions),
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"gateway", cfg.Gateway.Enabled,
	)

	if app.Gateway == nil {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.Gateway.Start(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Gateway.Stop(stopCtx); err != nil {
		log.Warn("gateway stop failed", "error", err)
	}
	return <-errCh
}

// chatArgs is the parsed command line of "ankie chat".
type chatArgs struct {
	threadID string
	agentID  string
	message  string
}

func parseChatArgs(args []string) (chatArgs, error) {
	var out chatArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--thread" || arg == "--agent" || arg == "--config":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s needs a value", arg)
			}
			i++
			if arg == "--thread" {
				out.threadID = args[i]
			} else if arg == "--agent" {
				out.agentID = args[i]
			}
		case strings.HasPrefix(arg, "--thread="):
			out.threadID = strings.TrimPrefix(arg, "--thread=")
		case strings.HasPrefix(arg, "--agent="):
			out.agentID = strings.TrimPrefix(arg, "--agent=")
		case strings.HasPrefix(arg, "--config="):
		default:
			words = append(words, arg)
		}
	}
	out.message = strings.TrimSpace(strings.Join(words, " "))
	if out.message == "" {
		return out, fmt.Errorf("message is required")
	}
	if out.threadID == "" {
		out.threadID = ulid.Make().String()
	}
	return out, nil
}

func runChat(args []string) error {
	ca, err := parseChatArgs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// The terminal is the only client.
	cfg.Gateway.Enabled = false
	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	req := orchestrator.TurnRequest{
		ThreadID: ca.threadID,
		UserID:   "cli",
		Message:  ca.message,
		Locale:   cfg.Steps.DefaultLocale,
		AgentID:  ca.agentID,
	}
	in := bufio.NewReader(os.Stdin)
	fmt.Printf("thread %s\n", ca.threadID)

	turn, err := app.Orchestrator.HandleTurn(ctx, req)
	if errors.Is(err, domain.ErrExecutionIncomplete) {
		fmt.Println("finishing the previous request first")
		recovered, rerr := app.Orchestrator.Recover(ctx, ca.threadID)
		if rerr != nil {
			return rerr
		}
		if err := converse(ctx, app.Orchestrator, recovered, in); err != nil {
			return err
		}
		turn, err = app.Orchestrator.HandleTurn(ctx, req)
	}
	if err != nil {
		return err
	}
	return converse(ctx, app.Orchestrator, turn, in)
}

// converse prints a run to completion, asking for a decision at every
// approval pause.
func converse(ctx context.Context, orch *orchestrator.Orchestrator, turn *orchestrator.Turn, in *bufio.Reader) error {
	for {
		res, err := printRun(os.Stdout, turn.Steps(), turn.Wait)
		if err != nil {
			return err
		}
		if res.Status != domain.StatusInterrupted || res.Interrupt == nil {
			fmt.Println()
			fmt.Println(res.Content)
			return nil
		}
		resp := askApproval(os.Stdout, in, res.Interrupt)
		turn, err = orch.Resume(ctx, orchestrator.ResumeRequest{
			ThreadID:     res.ThreadID,
			ExecutionID:  res.ExecutionID,
			CheckpointID: res.CheckpointID,
			Response:     resp,
		})
		if err != nil {
			return err
		}
	}
}

// printRun writes each step as it arrives and returns the run's result.
func printRun(w io.Writer, steps <-chan domain.ExecutionStep, wait func() (*domain.ExecutionResult, error)) (*domain.ExecutionResult, error) {
	for step := range steps {
		fmt.Fprintf(w, "  [%3d%%] %s: %s\n", step.Progress, step.AgentName, step.Content)
	}
	return wait()
}

// askApproval prompts for a decision on a pending tool call. Anything but
// an explicit yes rejects it.
func askApproval(w io.Writer, in *bufio.Reader, hi *domain.HumanInterrupt) domain.HumanResponse {
	args := string(hi.ActionRequest.Args)
	if pretty, err := json.MarshalIndent(hi.ActionRequest.Args, "    ", "  "); err == nil {
		args = string(pretty)
	}
	fmt.Fprintf(w, "\n%s wants to run %s\n    %s\n", hi.AgentID, hi.ActionRequest.Action, args)
	if hi.Description != "" {
		fmt.Fprintf(w, "  %s\n", hi.Description)
	}
	fmt.Fprint(w, "Approve? [y/N, or type guidance]: ")

	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "y", "yes":
		return domain.HumanResponse{Type: domain.ResponseAccept}
	case "", "n", "no":
		return domain.HumanResponse{Type: domain.ResponseReject}
	default:
		return domain.HumanResponse{Type: domain.ResponseRespond, Message: line}
	}
}
