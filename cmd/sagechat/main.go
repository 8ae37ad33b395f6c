package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"sagechat/internal/chatbot"
	"sagechat/internal/config"
	"sagechat/internal/telemetry"
)

func main() {
	defaults := config.Default()

	var (
		configPath = flag.String("config", "", "Path to a TOML config file")
		serverURL  = flag.String("server", defaults.ServerURL, "Backend base URL (http or https)")
		token      = flag.String("token", "", "Access token (default: $SAGE_TOKEN or the saved login token)")
		tokenFile  = flag.String("token-file", "", "File holding the access token")
		sessionID  = flag.String("session-id", "", "Resume an existing chat session by ID")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		maxRetries = flag.Int("max-reconnects", defaults.MaxReconnects, "Consecutive reconnect attempts before giving up")
		dbPath     = flag.String("db", defaults.TranscriptPath, "Local transcript database")
		logDir     = flag.String("log-dir", defaults.LogDir, "Directory for logs, traces and metrics")
		loginUser  = flag.String("login", "", "Log in as this user and save the token before starting")
	)
	flag.Parse()

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// explicit flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = *serverURL
		case "token":
			cfg.Token = *token
		case "token-file":
			cfg.TokenFile = *tokenFile
		case "session-id":
			cfg.SessionID = *sessionID
		case "debug":
			cfg.Debug = *debug
		case "max-reconnects":
			cfg.MaxReconnects = *maxRetries
		case "db":
			cfg.TranscriptPath = *dbPath
		case "log-dir":
			cfg.LogDir = *logDir
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *loginUser); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, loginUser string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	if loginUser != "" {
		password, err := readPassword()
		if err != nil {
			return err
		}
		tok, err := chatbot.Login(ctx, cfg, logger, loginUser, password)
		if err != nil {
			return err
		}
		cfg.Token = tok
		fmt.Println("Logged in as", loginUser)
	}

	bot, err := chatbot.NewChatBot(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chat: %w", err)
	}
	defer bot.Close()

	return bot.Run(ctx)
}

// readPassword prompts without echo on a terminal; piped input is read as
// a single line. $SAGE_PASSWORD skips the prompt.
func readPassword() (string, error) {
	if pw := os.Getenv("SAGE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	pw, err := readLine(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

// readLine reads one line a byte at a time so the questions piped after
// the password stay unread for the REPL.
func readLine(r io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err == io.EOF {
			if len(line) == 0 {
				return "", io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}
