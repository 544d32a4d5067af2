// ABOUTME: Interactive terminal chat client for the OpenClaw gateway.
// ABOUTME: Optionally launches the gateway sidecar, then runs a readline-style chat loop.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/Axnjr/simplestclaw/internal/config"
	"github.com/Axnjr/simplestclaw/internal/gateway"
	"github.com/Axnjr/simplestclaw/internal/sidecar"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                    _           _
   ___| | __ ___      _____| |__   __ _| |_
  / __| |/ _' \ \ /\ / / __| '_ \ / _' | __|
 | (__| | (_| |\ V  V / (__| | | | (_| | |_
  \___|_|\__,_| \_/\_/ \___|_| |_|\__,_|\__|
`

func main() {
	configPath := flag.String("config", "", "Config file path (default: ~/.config/simplestclaw/config.yaml)")
	gatewayURL := flag.String("url", "", "Gateway WebSocket URL (overrides config)")
	token := flag.String("token", "", "Gateway auth token (overrides config)")
	noSidecar := flag.Bool("no-sidecar", false, "Never launch the gateway process; connect to an existing one")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *gatewayURL, *token, *noSidecar); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, urlOverride, tokenOverride string, noSidecar bool) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	url := cfg.Gateway.URL
	if urlOverride != "" {
		url = urlOverride
	}
	authToken := cfg.Gateway.Token
	if tokenOverride != "" {
		authToken = tokenOverride
	}

	// Launch the gateway process when configured to, adopting its
	// connection info. An explicit URL override means the user is
	// pointing at a gateway we do not manage.
	var super *sidecar.Manager
	if !noSidecar && urlOverride == "" && *cfg.Sidecar.AutoStart {
		apiKey := cfg.Sidecar.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		scfg := cfg.Sidecar
		scfg.APIKey = apiKey

		super = sidecar.NewManager(logger)
		info, err := super.Start(scfg)
		if err != nil {
			if errors.Is(err, sidecar.ErrNoAPIKey) || errors.Is(err, sidecar.ErrNotFound) {
				logger.Warn("not launching gateway, connecting directly", "reason", err)
				super = nil
			} else {
				return fmt.Errorf("starting gateway process: %w", err)
			}
		} else {
			defer func() {
				if err := super.Stop(); err != nil {
					logger.Warn("stopping gateway process", "error", err)
				}
			}()
			url = info.URL
			if authToken == "" {
				authToken = info.Token
			}
			// Give the freshly spawned gateway a moment to bind its port.
			time.Sleep(500 * time.Millisecond)
		}
	}

	client := gateway.New(gateway.Config{
		URL:            url,
		Token:          authToken,
		ClientID:       cfg.Gateway.ClientID,
		ClientVersion:  version,
		Locale:         cfg.Gateway.Locale,
		SessionKey:     cfg.Gateway.SessionKey,
		AutoReconnect:  *cfg.Gateway.AutoReconnect,
		ReconnectDelay: cfg.Gateway.ReconnectDelay,
	}, logger)

	// out serializes handler prints against the prompt loop.
	var out sync.Mutex
	client.SetHandlers(gateway.Handlers{
		StateChange: func(s gateway.State) {
			logger.Debug("session state changed", "state", string(s))
		},
		Message: func(m gateway.Message) {
			out.Lock()
			defer out.Unlock()
			fmt.Printf("\n%s %s\n", color.GreenString("<"), m.Content)
		},
		ToolCall: func(tc gateway.ToolCall) {
			out.Lock()
			defer out.Unlock()
			if tc.Status == "completed" && tc.Duration > 0 {
				fmt.Printf("%s %s (%s)\n", color.YellowString("[tool]"), tc.Name, tc.Duration.Round(time.Millisecond))
				return
			}
			fmt.Printf("%s %s %s\n", color.YellowString("[tool]"), tc.Name, tc.Status)
		},
		Disconnect: func(reason string) {
			out.Lock()
			defer out.Unlock()
			fmt.Printf("%s %s\n", color.YellowString("[disconnected]"), reason)
		},
		Error: func(err error) {
			out.Lock()
			defer out.Unlock()
			fmt.Printf("%s %v\n", color.RedString("[error]"), err)
		},
	})

	gray.Printf("    gateway: %s\n", url)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer client.Disconnect()

	green := color.New(color.FgGreen)
	green.Printf("    connected (session %s)\n\n", client.SessionKey())
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return chatLoop(ctx, client, &out)
}

func chatLoop(ctx context.Context, client *gateway.Client, out *sync.Mutex) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
				return
			}
			if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil

		case input == "/status":
			fmt.Printf("state:   %s\n", client.State())
			fmt.Printf("session: %s\n", client.SessionKey())
			fmt.Println()
			continue

		case input == "/help":
			printHelp()
			fmt.Println()
			continue

		case strings.HasPrefix(input, "/"):
			fmt.Printf("Unknown command %s, try /help\n\n", input)
			continue
		}

		msg, err := client.SendMessage(ctx, input)
		out.Lock()
		if err != nil {
			if ctx.Err() != nil {
				out.Unlock()
				return nil
			}
			fmt.Printf("%s %v\n", color.RedString("[error]"), err)
		} else {
			fmt.Printf("%s %s\n", color.GreenString("<"), msg.Content)
		}
		out.Unlock()
		fmt.Println()
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /status        Show connection state and session key")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}
