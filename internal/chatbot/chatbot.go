package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"sagechat/internal/api"
	"sagechat/internal/cache"
	"sagechat/internal/config"
	"sagechat/internal/session"
	"sagechat/internal/stream"
	"sagechat/internal/telemetry"
	"sagechat/internal/transcript"
)

// Conversation is the chat channel the REPL drives. *stream.Client
// implements it.
type Conversation interface {
	Open(ctx context.Context) error
	Retry(ctx context.Context) error
	Ask(ctx context.Context, question string) error
	NewChat(ctx context.Context) error
	Close() error
	State() stream.State
	SessionID() string
}

// SessionService is the server-side session API. *api.Client implements it.
type SessionService interface {
	Me(ctx context.Context) (*api.User, error)
	ListSessions(ctx context.Context) ([]api.ChatSession, error)
	SessionMessages(ctx context.Context, sessionID string) ([]api.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Health(ctx context.Context) error
}

const remoteHistoryTTL = 30 * time.Second

var (
	infoColor   = color.New(color.FgCyan)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
	dimColor    = color.New(color.Faint)
	promptColor = color.New(color.FgGreen, color.Bold)
)

// ChatBot is the terminal front end: it reads questions from the input,
// streams answers to the output and records finished exchanges.
type ChatBot struct {
	config config.Config
	chat   Conversation
	api    SessionService
	store  *transcript.Store
	logger *slog.Logger
	remote *cache.Cache[[]api.ChatMessage] // server history fetched by /history

	in  io.Reader
	out io.Writer

	// guarded by mu; written from the connection's reader goroutine
	mu       sync.Mutex
	answered bool   // "Sage:" prefix printed for the pending answer
	streamed string // text printed so far for the pending answer
	renewing bool   // /new is replacing the connection

	done     chan struct{}
	shutdown func()
}

// NewChatBot wires the chat client, REST client, transcript store and
// telemetry from cfg.
func NewChatBot(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ChatBot, error) {
	token := cfg.ResolveToken()
	if token == "" {
		return nil, fmt.Errorf("no access token: log in with -login or set SAGE_TOKEN")
	}

	wsURL, err := cfg.WebSocketURL(token)
	if err != nil {
		return nil, fmt.Errorf("failed to build chat URL: %w", err)
	}

	providers, err := telemetry.InitTelemetry(ctx, cfg.LogDir, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := transcript.Open(cfg.TranscriptPath)
	if err != nil {
		providers.Shutdown()
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	restClient, err := api.NewClient(cfg.ServerURL, token, logger)
	if err != nil {
		store.Close()
		providers.Shutdown()
		return nil, err
	}

	if cfg.Debug {
		logger.Info("debug mode enabled")
	}

	cb := newChatBot(cfg, restClient, store, logger, os.Stdin, os.Stdout)
	cb.chat = stream.New(wsURL,
		stream.WithLogger(logger),
		stream.WithObserver(cb),
		stream.WithBackoff(stream.Backoff{Base: cfg.ReconnectBase, MaxAttempts: cfg.MaxReconnects}),
		stream.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}),
		stream.WithSessionID(cfg.SessionID),
		stream.WithTracer(providers.Tracer),
		stream.WithMeter(providers.Meter),
	)
	cb.shutdown = func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close transcript", "error", err)
		}
		providers.Shutdown()
	}
	return cb, nil
}

func newChatBot(cfg config.Config, svc SessionService, store *transcript.Store, logger *slog.Logger, in io.Reader, out io.Writer) *ChatBot {
	return &ChatBot{
		config: cfg,
		api:    svc,
		store:  store,
		logger: logger,
		remote: cache.New[[]api.ChatMessage](remoteHistoryTTL),
		in:     in,
		out:    out,
		done:   make(chan struct{}, 1),
	}
}

// Login exchanges credentials for a token and stores it in the configured
// token file so later runs pick it up.
func Login(ctx context.Context, cfg config.Config, logger *slog.Logger, username, password string) (string, error) {
	client, err := api.NewClient(cfg.ServerURL, "", logger)
	if err != nil {
		return "", err
	}
	tok, err := client.Login(ctx, username, password)
	if err != nil {
		return "", err
	}

	path := cfg.TokenFile
	if path == "" {
		path = config.DefaultTokenPath()
	}
	if path == "" {
		logger.Warn("no token path available, token not saved")
		return tok.AccessToken, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok.AccessToken+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to save token: %w", err)
	}
	logger.Info("saved access token", "path", path)
	return tok.AccessToken, nil
}

// OnEvent renders client events. It runs on the connection's reader
// goroutine.
func (cb *ChatBot) OnEvent(e stream.Event) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch ev := e.(type) {
	case stream.StateChanged:
		cb.logger.Debug("chat state changed", "from", ev.From.String(), "to", ev.To.String())
		if ev.To == stream.StateDisconnected && ev.From.Connected() && !cb.renewing {
			warnColor.Fprintln(cb.out, "\n[disconnected]")
		}

	case stream.Initialized:
		line := "[session " + ev.SessionID + " ready"
		if kb := ev.KnowledgeBase; kb != nil {
			line += fmt.Sprintf(", %d documents / %d chunks", kb.TotalDocuments, kb.TotalChunks)
		}
		infoColor.Fprintln(cb.out, line+"]")

	case stream.Searching:
		msg := ev.Message
		if msg == "" {
			msg = "searching knowledge base..."
		}
		dimColor.Fprintln(cb.out, msg)

	case stream.TokenReceived:
		cb.startAnswerLocked()
		fmt.Fprint(cb.out, ev.Token)
		cb.streamed = ev.Text

	case stream.Completed:
		cb.startAnswerLocked()
		if ev.Exchange.Answer != cb.streamed {
			if cb.streamed != "" {
				fmt.Fprintln(cb.out)
			}
			fmt.Fprint(cb.out, ev.Exchange.Answer)
		}
		fmt.Fprintln(cb.out)
		if ev.ServerTime > 0 {
			dimColor.Fprintf(cb.out, "(%.1fs)\n", ev.ServerTime.Seconds())
		}
		if ev.NewSession {
			infoColor.Fprintf(cb.out, "[now in session %s]\n", ev.SessionID)
		}
		fmt.Fprintln(cb.out)
		cb.record(ev.SessionID, ev.Exchange)
		cb.finishLocked()

	case stream.Failed:
		if cb.answered {
			fmt.Fprintln(cb.out)
		}
		errColor.Fprintf(cb.out, "Error: %v\n", ev.Err)
		if ev.Question != "" {
			cb.finishLocked()
		}

	case stream.ReconnectScheduled:
		warnColor.Fprintf(cb.out, "[connection lost, reconnecting in %s (attempt %d)]\n", ev.Delay, ev.Attempt)

	case stream.GaveUp:
		errColor.Fprintf(cb.out, "[gave up after %d attempts; type /retry to reconnect]\n", ev.Attempts)
	}
}

func (cb *ChatBot) startAnswerLocked() {
	if !cb.answered {
		promptColor.Fprint(cb.out, "Sage: ")
		cb.answered = true
	}
}

func (cb *ChatBot) finishLocked() {
	cb.answered = false
	cb.streamed = ""
	select {
	case cb.done <- struct{}{}:
	default:
	}
}

// record saves a finished exchange to the transcript.
func (cb *ChatBot) record(sessionID string, ex session.Exchange) {
	if cb.store == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cb.store.SaveExchange(ctx, sessionID, cb.config.ServerURL, ex); err != nil {
		cb.logger.Error("failed to save exchange", "session_id", sessionID, "error", err)
	}
}

// ask submits a question and waits until its answer finishes or ctx ends.
func (cb *ChatBot) ask(ctx context.Context, question string) error {
	if err := cb.chat.Ask(ctx, question); err != nil {
		switch {
		case errors.Is(err, stream.ErrNotConnected):
			return fmt.Errorf("not connected; type /retry to reconnect")
		case errors.Is(err, stream.ErrNotReady):
			return fmt.Errorf("session is still initializing, try again in a moment")
		}
		return err
	}

	select {
	case <-cb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleCommand handles slash commands. It reports whether the REPL should
// exit.
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		infoColor.Fprintln(cb.out, "Starting a new chat session...")
		cb.mu.Lock()
		cb.renewing = true
		cb.mu.Unlock()
		err := cb.chat.NewChat(ctx)
		cb.mu.Lock()
		cb.renewing = false
		cb.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("failed to start new chat: %w", err)
		}
		return false, nil

	case "/retry":
		if err := cb.chat.Retry(ctx); err != nil {
			return false, fmt.Errorf("reconnect failed: %w", err)
		}
		return false, nil

	case "/status":
		fmt.Fprintf(cb.out, "Server:  %s\n", cb.config.ServerURL)
		fmt.Fprintf(cb.out, "State:   %s\n", cb.chat.State())
		id := cb.chat.SessionID()
		if id == "" {
			id = "(none)"
		}
		fmt.Fprintf(cb.out, "Session: %s\n", id)
		if cb.api != nil {
			health := "ok"
			if err := cb.api.Health(ctx); err != nil {
				health = err.Error()
			}
			fmt.Fprintf(cb.out, "Health:  %s\n", health)
		}
		return false, nil

	case "/sessions":
		return false, cb.listSessions(ctx)

	case "/history":
		id := cb.chat.SessionID()
		if len(parts) > 1 {
			id = parts[1]
		}
		if id == "" {
			return false, fmt.Errorf("usage: /history <session-id>")
		}
		return false, cb.showHistory(ctx, id)

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <session-id>")
		}
		return false, cb.deleteSession(ctx, parts[1])

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /new             - Start a new chat session")
		fmt.Fprintln(cb.out, "  /sessions        - List chat sessions")
		fmt.Fprintln(cb.out, "  /history [id]    - Show the exchanges of a session (default: current)")
		fmt.Fprintln(cb.out, "  /delete <id>     - Delete a session on the server and locally")
		fmt.Fprintln(cb.out, "  /retry           - Reconnect now")
		fmt.Fprintln(cb.out, "  /status          - Show connection state and session")
		fmt.Fprintln(cb.out, "  /help            - Show this help message")
		fmt.Fprintln(cb.out, "  /quit, /exit     - Exit")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

// listSessions prints the server's sessions, or the local transcript when
// the server cannot be reached.
func (cb *ChatBot) listSessions(ctx context.Context) error {
	if cb.api != nil {
		sessions, err := cb.api.ListSessions(ctx)
		if err == nil {
			if len(sessions) == 0 {
				fmt.Fprintln(cb.out, "No sessions.")
				return nil
			}
			current := cb.chat.SessionID()
			for i, s := range sessions {
				mark := ""
				if s.SessionID == current {
					mark = " (current)"
				}
				fmt.Fprintf(cb.out, "%d. %s  %s  %s%s\n", i+1, s.SessionID, s.SessionName,
					s.CreatedAt.Local().Format("2006-01-02 15:04"), mark)
			}
			return nil
		}
		if errors.Is(err, api.ErrUnauthorized) {
			return err
		}
		cb.logger.Warn("failed to list server sessions, using transcript", "error", err)
		warnColor.Fprintln(cb.out, "Server unavailable, showing local transcript:")
	}

	if cb.store == nil {
		return fmt.Errorf("no session source available")
	}
	summaries, err := cb.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cb.out, "No sessions.")
		return nil
	}
	for i, s := range summaries {
		fmt.Fprintf(cb.out, "%d. %s  %s  %d messages\n", i+1, s.ID,
			s.StartTime.Local().Format("2006-01-02 15:04"), s.MessageCount)
	}
	return nil
}

// showHistory prints a session from the transcript, falling back to the
// server for sessions recorded elsewhere.
func (cb *ChatBot) showHistory(ctx context.Context, id string) error {
	if cb.store != nil {
		sess, err := cb.store.LoadSession(ctx, id)
		if err == nil {
			for _, ex := range sess.Exchanges() {
				cb.printExchange(ex.AskedAt, ex.Question, ex.Answer)
			}
			return nil
		}
		if !errors.Is(err, transcript.ErrNotFound) {
			return err
		}
	}

	if cb.api == nil {
		return fmt.Errorf("session %s not found", id)
	}
	key := cache.Key(cb.config.ServerURL, id)
	msgs, ok := cb.remote.Get(key)
	if !ok {
		var err error
		msgs, err = cb.api.SessionMessages(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to fetch session %s: %w", id, err)
		}
		cb.remote.Put(key, msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cb.out, "No messages.")
	}
	for _, m := range msgs {
		cb.printExchange(m.CreatedAt, m.Message, m.Response)
	}
	return nil
}

func (cb *ChatBot) printExchange(at time.Time, question, answer string) {
	dimColor.Fprintln(cb.out, at.Local().Format("2006-01-02 15:04:05"))
	promptColor.Fprint(cb.out, "You: ")
	fmt.Fprintln(cb.out, question)
	promptColor.Fprint(cb.out, "Sage: ")
	fmt.Fprintln(cb.out, answer)
	fmt.Fprintln(cb.out)
}

func (cb *ChatBot) deleteSession(ctx context.Context, id string) error {
	if id == cb.chat.SessionID() {
		return fmt.Errorf("cannot delete the current session; use /new first")
	}

	cb.remote.Delete(cache.Key(cb.config.ServerURL, id))

	deleted := false
	if cb.api != nil {
		if err := cb.api.DeleteSession(ctx, id); err != nil {
			var herr *api.HTTPError
			if !errors.As(err, &herr) || herr.StatusCode != http.StatusNotFound {
				return fmt.Errorf("failed to delete session on server: %w", err)
			}
		} else {
			deleted = true
		}
	}
	if cb.store != nil {
		if err := cb.store.DeleteSession(ctx, id); err == nil {
			deleted = true
		} else if !errors.Is(err, transcript.ErrNotFound) {
			return err
		}
	}

	if !deleted {
		return fmt.Errorf("session %s not found", id)
	}
	infoColor.Fprintf(cb.out, "Deleted session %s\n", id)
	return nil
}

// readLines feeds input lines to a channel so the REPL can also watch ctx.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// Run connects and runs the REPL until /quit, end of input or ctx ends.
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.chat.Close()

	infoColor.Fprintln(cb.out, "=== Sage Chat ===")
	fmt.Fprintf(cb.out, "Server: %s\n", cb.config.ServerURL)

	if cb.api != nil {
		user, err := cb.api.Me(ctx)
		switch {
		case errors.Is(err, api.ErrUnauthorized):
			return fmt.Errorf("access token rejected; log in again with -login")
		case err != nil:
			cb.logger.Warn("failed to fetch current user", "error", err)
			if herr := cb.api.Health(ctx); herr != nil {
				warnColor.Fprintf(cb.out, "Server health check failed: %v\n", herr)
			}
		default:
			fmt.Fprintf(cb.out, "Signed in as %s\n", user.Username)
		}
	}
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	if err := cb.chat.Open(ctx); err != nil {
		if errors.Is(err, stream.ErrUnauthorized) {
			return fmt.Errorf("access token rejected; log in again with -login")
		}
		errColor.Fprintf(cb.out, "Error: %v\n", err)
		cb.logger.Error("failed to open chat", "error", err)
	}

	lines := readLines(cb.in)
	for {
		promptColor.Fprint(cb.out, "You: ")

		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			ok = false
		}
		if !ok {
			fmt.Fprintln(cb.out)
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := cb.handleCommand(ctx, input)
			if err != nil {
				errColor.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if quit {
				break
			}
			continue
		}

		if err := cb.ask(ctx, input); err != nil {
			if ctx.Err() != nil {
				break
			}
			errColor.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("failed to send question", "error", err)
		}
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

// Close releases the transcript and flushes telemetry.
func (cb *ChatBot) Close() {
	if cb.shutdown != nil {
		cb.shutdown()
	}
}
