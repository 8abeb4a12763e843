// Command securetalk is a minimal terminal shell around the chat
// engine: it logs in (or restores the saved session), polls the chat
// list in the background and runs one conversation on stdin/stdout.
// All the interesting state lives in the internal packages; this file
// only renders it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/securetalk/securetalk-go/internal/config"
	"github.com/securetalk/securetalk-go/internal/conversation"
	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/rest"
	"github.com/securetalk/securetalk-go/internal/session"
	"github.com/securetalk/securetalk-go/internal/store/sqlstore"
	"github.com/securetalk/securetalk-go/internal/summary"
)

var (
	username = flag.String("username", "", "login username (empty reuses the saved session)")
	password = flag.String("password", "", "login password")
	peer     = flag.String("peer", "", "peer to chat with")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := sqlstore.New(cfg.DBPath)
	if err != nil {
		logger.Error("opening local store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	sess := session.New(cfg.BaseURL, st, logger)
	if err := sess.Restore(); err != nil {
		logger.Warn("restoring session", slog.String("error", err.Error()))
	}

	ctx := context.Background()

	if *username != "" {
		if err := sess.Login(ctx, *username, *password); err != nil {
			logger.Error("login failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	if !sess.LoggedIn() {
		logger.Error("no session; pass -username and -password")
		os.Exit(1)
	}
	if *peer == "" {
		logger.Error("no peer; pass -peer")
		os.Exit(1)
	}

	// Session death (refresh failure, revoked tokens) drops the shell
	// back to login, which for a one-shot CLI means exiting.
	sess.Subscribe(func(state session.State) {
		if !state.LoggedIn {
			fmt.Fprintln(os.Stderr, "session expired, log in again")
			os.Exit(1)
		}
	})

	client := rest.New(cfg.BaseURL, sess, logger)

	poller := summary.New(client, cfg.PollInterval, renderSummaries, sess.Logout, logger)
	poller.Start(ctx)
	defer poller.Stop()

	opener := &conversation.Opener{
		REST:          client,
		Session:       sess,
		WSBase:        cfg.WSBaseURL,
		ReceiptWindow: cfg.ReceiptWindow,
		TypingIdle:    cfg.TypingIdle,
		Logger:        logger,
	}

	conv, err := opener.Open(ctx, *peer)
	if err != nil {
		logger.Error("opening conversation", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conv.Close()

	for _, m := range conv.Messages() {
		renderMessage(sess.Identity(), m)
	}

	conv.Subscribe(func() {
		msgs := conv.Messages()
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if last.Sender == *peer {
				renderMessage(sess.Identity(), last)
			}
		}
		if conv.PeerTyping() {
			fmt.Printf("-- %s is typing...\n", *peer)
		}
	})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		conv.InputObserved()
		if err := conv.Send(line); err != nil {
			logger.Warn("send failed", slog.String("error", err.Error()))
		}
	}
}

func renderSummaries(chats []models.ChatSummary) {
	for _, c := range chats {
		if c.UnreadCount > 0 {
			fmt.Printf("-- %s: %d unread (last: %s)\n", c.Peer, c.UnreadCount, c.LastMessage)
		}
	}
}

func renderMessage(self string, m models.Message) {
	marker := ""
	if m.Sender == self {
		switch m.Status {
		case models.StatusSeen:
			marker = " [seen]"
		case models.StatusFailed:
			marker = " [failed]"
		}
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04"), m.Sender, m.Body, marker)
}
