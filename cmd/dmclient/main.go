// Command dmclient is a terminal client for one direct conversation.
//
// Lines typed on stdin are sent to the active partner. "/open <user>" switches the
// conversation and "/retry <clientId>" resends a failed message.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"dm-service/internal/observability"
	"dm-service/internal/session"
)

type clientConfig struct {
	BaseURL  string `env:"DM_BASE_URL,default=http://localhost:8083"`
	Token    string `env:"DM_TOKEN,required=true"`
	UserID   string `env:"DM_USER_ID,required=true"`
	Partner  string `env:"DM_PARTNER"`
	LogLevel string `env:"LOG_LEVEL,default=warn"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	var cfg clientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("unmarshal env: %w", err)
	}

	logger, err := observability.NewLogger("development", cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := session.NewController(session.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		UserID:  cfg.UserID,
	}, logger)

	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("realtime loop stopped", zap.Error(err))
		}
	}()
	go render(ctx, ctrl)

	if cfg.Partner != "" {
		if err := ctrl.Select(ctx, cfg.Partner); err != nil {
			logger.Warn("open conversation", zap.Error(err))
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, ctrl, line); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, ctrl *session.Controller, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "/open "):
		return ctrl.Select(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
	case strings.HasPrefix(line, "/retry "):
		return ctrl.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry ")))
	default:
		_, err := ctrl.Send(ctx, line)
		return err
	}
}

// render redraws the transcript after every change.
func render(ctx context.Context, ctrl *session.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Updates():
		}

		fmt.Print("\033[H\033[2J")
		fmt.Printf("-- %s (connected=%t)\n", ctrl.Partner(), ctrl.Connected())
		for _, e := range ctrl.Transcript() {
			marker := ""
			switch e.Status {
			case session.StatusPending:
				marker = " …"
			case session.StatusFailed:
				marker = fmt.Sprintf(" [failed: %s, /retry %s]", e.Err, e.Message.ClientID)
			}
			fmt.Printf("%s  %s: %s%s\n", e.Message.CreatedAt.Local().Format("15:04:05"), e.Message.SenderID, e.Message.Body, marker)
		}
	}
}
