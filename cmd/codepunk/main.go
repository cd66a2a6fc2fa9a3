package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	codepunk "github.com/codepunk/codepunk"
	"github.com/codepunk/codepunk/fileedit"
	"github.com/codepunk/codepunk/gitsession"
	"github.com/codepunk/codepunk/internal/config"
	"github.com/codepunk/codepunk/observer"
	"github.com/codepunk/codepunk/provider/anthropic"
	"github.com/codepunk/codepunk/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codepunk:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// 1. Load config
	cfg := config.Load(os.Getenv("CODEPUNK_CONFIG"))
	logger := newLogger()

	// 2. Resolve credentials: config/env first, stored keys second
	auth := config.NewAuthStore(filepath.Join(cfg.Git.StateDir, "auth.json"))
	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		if k, err := auth.Get(cfg.LLM.Provider); err == nil {
			apiKey = k
		}
	}
	if apiKey == "" {
		return fmt.Errorf("no API key for provider %q (set CODEPUNK_API_KEY)", cfg.LLM.Provider)
	}

	// 3. Observability (optional)
	var (
		inst     *observer.Instruments
		tracer   codepunk.Tracer
		shutdown func(context.Context) error
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// 4. Provider stack: anthropic -> observer -> prompt cache -> rate limit
	popts := []anthropic.Option{
		anthropic.WithModel(cfg.LLM.Model),
		anthropic.WithProviderLogger(logger),
	}
	if cfg.LLM.BaseURL != "" {
		popts = append(popts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
	}
	var provider codepunk.Provider = anthropic.New(apiKey, popts...)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
	}
	provider = codepunk.WithCache(provider, codepunk.NewMemoryCache(64))
	if cfg.RateLimit.RequestsPerMinute > 0 || cfg.RateLimit.TokensPerMinute > 0 {
		provider = codepunk.WithRateLimit(provider,
			codepunk.RPM(cfg.RateLimit.RequestsPerMinute),
			codepunk.TPM(cfg.RateLimit.TokensPerMinute))
	}

	// 5. Store + session
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	session := codepunk.NewSession("cli session")
	if err := store.Sessions().Create(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// 6. File edits + tools
	var approver fileedit.ApprovalService
	if !cfg.Files.AutoApprove {
		approver = fileedit.WithSessionApproval(&consoleApprover{in: bufio.NewReader(os.Stdin)})
	}
	svcOpts := []fileedit.ServiceOption{fileedit.WithServiceLogger(logger)}
	if cfg.Files.MaxFileSize > 0 {
		svcOpts = append(svcOpts, fileedit.WithMaxFileSize(cfg.Files.MaxFileSize))
	}
	edits := fileedit.NewService(cfg.Files.Root, approver, svcOpts...)

	regOpts := []codepunk.RegistryOption{
		codepunk.WithArgValidation(),
		codepunk.WithRegistryLogger(logger),
	}
	if cfg.Chat.ToolTimeoutSeconds > 0 {
		regOpts = append(regOpts, codepunk.WithToolTimeout(time.Duration(cfg.Chat.ToolTimeoutSeconds)*time.Second))
	}
	registry := codepunk.NewRegistry(regOpts...)
	registry.Register(fileedit.NewReadFileTool(edits))
	registry.Register(fileedit.NewWriteFileTool(edits, !cfg.Files.AutoApprove))
	registry.Register(fileedit.NewReplaceTool(edits, !cfg.Files.AutoApprove))

	// 7. Git shadow session
	var dispatcher codepunk.Dispatcher = registry
	if inst != nil {
		dispatcher = observer.WrapDispatcher(dispatcher, inst)
	}
	var shadow *gitsession.Manager
	if !gitsession.Disabled() {
		shadow = gitsession.NewManager(cfg.Files.Root, cfg.Git.StateDir,
			gitsession.WithBranchPrefix(cfg.Git.BranchPrefix),
			gitsession.WithStashing(cfg.Git.Stashing),
			gitsession.WithAutoRevertTimeout(time.Duration(cfg.Git.AutoRevertMinutes)*time.Minute),
			gitsession.WithManagerLogger(logger))
		if err := shadow.CleanupStale(ctx); err != nil {
			logger.Warn("stale session cleanup failed", "error", err)
		}
		enabled, err := shadow.Begin(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("git session: %w", err)
		}
		if enabled {
			defer shadow.Close()
			dispatcher = codepunk.NewGitInterceptor(dispatcher, shadow, session.ID,
				codepunk.WithInterceptorLogger(logger))
			fmt.Println("shadow git session started; /accept or /reject when done")
		}
	}

	// 8. Orchestrator
	chatOpts := codepunk.DefaultOptions()
	chatOpts.MaxToolCallIterations = cfg.Chat.MaxToolCallIterations
	chatOpts.MaxToolCallsPerIteration = cfg.Chat.MaxToolCallsPerIteration
	chatOpts.MaxRepeatedToolCalls = cfg.Chat.MaxRepeatedToolCalls
	chatOpts.MaxConsecutiveToolErrors = cfg.Chat.MaxConsecutiveToolErrors
	chatOpts.DefaultModel = cfg.LLM.Model
	chatOpts.DefaultProvider = cfg.LLM.Provider
	copts := []codepunk.ChatOption{
		codepunk.WithChatOptions(chatOpts),
		codepunk.WithLogger(logger),
		codepunk.WithDispatcher(dispatcher),
	}
	if tracer != nil {
		copts = append(copts, codepunk.WithChatTracer(tracer))
	}
	chat := codepunk.NewChat(session, store.Sessions(), store.Messages(), provider, registry, copts...)

	return repl(ctx, chat, shadow, session.ID)
}

// repl reads lines from stdin and streams responses. Slash commands manage
// the session; everything else goes to the model.
func repl(ctx context.Context, chat *codepunk.Chat, shadow *gitsession.Manager, sessionID string) error {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Println("codepunk ready. /help for commands.")

	for {
		fmt.Print("> ")
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/help":
			fmt.Println("/tokens  show prompt token count\n/clear   wipe conversation history\n/accept  merge shadow session\n/reject  revert shadow session\n/quit    exit")
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			if err := chat.ClearMessages(ctx); err != nil {
				fmt.Println("error:", err)
			}
			continue
		case line == "/tokens":
			n, err := chat.CountTokens(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("prompt tokens: %d (session cost $%.4f)\n", n, chat.AccumulatedCost())
			continue
		case line == "/accept":
			if shadow == nil {
				fmt.Println("no shadow session")
				continue
			}
			if err := shadow.Accept(ctx, sessionID, "AI session changes"); err != nil {
				fmt.Println("error:", err)
			}
			continue
		case line == "/reject":
			if shadow == nil {
				fmt.Println("no shadow session")
				continue
			}
			if err := shadow.Reject(ctx, sessionID); err != nil {
				fmt.Println("error:", err)
			}
			continue
		}

		ch := make(chan codepunk.ChatStreamChunk, 32)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range ch {
				switch {
				case strings.HasPrefix(chunk.ContentDelta, codepunk.ToolStatusPrefix):
					fmt.Printf("\n[%s]\n", strings.TrimPrefix(chunk.ContentDelta, codepunk.ToolStatusPrefix))
				case chunk.ContentDelta != "":
					fmt.Print(chunk.ContentDelta)
				}
			}
		}()

		_, err := chat.SendMessageStream(ctx, line, ch)
		<-done
		fmt.Println()
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

// consoleApprover prompts on stdout/stdin for each proposed edit.
type consoleApprover struct {
	in *bufio.Reader
}

func (a *consoleApprover) RequestApproval(ctx context.Context, req fileedit.FileEditRequest) (fileedit.Decision, error) {
	fmt.Printf("\nproposed edit to %s (+%d -%d):\n%s\n", req.FilePath,
		req.Stats.LinesAdded, req.Stats.LinesRemoved, req.Diff)
	fmt.Print("apply? [y]es / [n]o / [a]ll: ")
	line, err := a.in.ReadString('\n')
	if err != nil {
		return fileedit.Decision{}, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return fileedit.Decision{Approved: true}, nil
	case "a", "all":
		return fileedit.Decision{Approved: true, AutoApproveSession: true}, nil
	default:
		return fileedit.Decision{}, nil
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case os.Getenv("CODEPUNK_VERBOSE") == "1":
		level = slog.LevelDebug
	case os.Getenv("CODEPUNK_QUIET") == "1":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
