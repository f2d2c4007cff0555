package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/client"
	"github.com/jiteshy/collabx/internal/config"
	"github.com/jiteshy/collabx/internal/discovery"
	"github.com/jiteshy/collabx/internal/logging"
	"github.com/jiteshy/collabx/pkg/types"
)

func joinCmd() *cobra.Command {
	var (
		server          string
		sessionID       string
		username        string
		discoverTimeout time.Duration
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session from the terminal",
		Long: `Join a session as a line-oriented peer.

Every line read from stdin replaces the shared document. Lines starting
with a slash are commands:

  /lang <language>   change the session language
  /sync              request a fresh snapshot
  /who               list members
  /quit              leave the session

Without --server (or COLLABX_SERVER_URL) the gateway is looked up on the
local network over mDNS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := config.LoadClientFromEnv()
			switch {
			case server != "":
				cfg.ServerURL = server
			case os.Getenv("COLLABX_SERVER_URL") == "":
				cfg.ServerURL = discoverServer(ctx, cmd.ErrOrStderr(), discoverTimeout, cfg.ServerURL)
			}

			return runPeer(ctx, cfg, sessionID, username, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Gateway WebSocket URL, e.g. ws://localhost:8080/ws")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to join")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username, unique within the session")
	cmd.Flags().DurationVar(&discoverTimeout, "discover-timeout", 3*time.Second, "How long to browse for a gateway")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// discoverServer returns the first advertised gateway, or fallback.
func discoverServer(ctx context.Context, w io.Writer, timeout time.Duration, fallback string) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peer, err := discovery.First(ctx, nil, "", "")
	if err != nil {
		if !errors.Is(err, discovery.ErrNoPeers) {
			fmt.Fprintf(w, "discovery failed: %v\n", err)
		}
		return fallback
	}
	fmt.Fprintf(w, "found gateway %q at %s\n", peer.Instance, peer.URL())
	return peer.URL()
}

// runPeer drives an agent from in until EOF, /quit, ctx cancellation or a
// terminal failure.
func runPeer(ctx context.Context, cfg *config.ClientConfig, sessionID, username string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	var mu sync.Mutex
	printf := func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format+"\n", args...)
	}

	gaveUp := make(chan *types.ProtocolError, 1)
	agent, err := client.NewAgent(cfg, sessionID, username,
		client.WithLogger(logger),
		client.WithCallbacks(client.Callbacks{
			OnStatusChange: func(s client.Status) { printf("* %s", s) },
			OnSnapshot: func(snap types.Snapshot) {
				printf("* synced: %d member(s), language %s", len(snap.Users), snap.Language)
				printf("%s", snap.Content)
			},
			OnContentChange: func(content string, from types.User) {
				printf("[%s] %s", from.Username, content)
			},
			OnLanguageChange: func(language string, from types.User) {
				printf("* %s switched language to %s", from.Username, language)
			},
			OnUserJoined:  func(u types.User) { printf("* %s joined", u.Username) },
			OnUserLeft:    func(u types.User) { printf("* %s left", u.Username) },
			OnSessionFull: func(msg string) { printf("! %s", msg) },
			OnError:       func(e *types.ProtocolError) { printf("! %s", e.Message) },
			OnGiveUp: func(reason *types.ProtocolError) {
				select {
				case gaveUp <- reason:
				default:
				}
			},
		}))
	if err != nil {
		return err
	}

	agent.Connect()
	defer agent.Disconnect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), types.MaxContentLength*4)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-gaveUp:
			return reason
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(agent, line, printf); quit {
				return nil
			}
		}
	}
}

func handleLine(agent *client.Agent, line string, printf func(string, ...interface{})) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	sent := true
	switch cmd {
	case "/quit":
		return true
	case "/lang":
		sent = agent.UpdateLanguage(strings.TrimSpace(arg))
	case "/sync":
		sent = agent.RequestSync()
	case "/who":
		for _, u := range agent.State().Users {
			printf("  %s (%s)", u.Username, u.Color)
		}
	default:
		sent = agent.UpdateContent(line)
	}
	if !sent {
		printf("! not sent (%s)", agent.Status())
	}
	return false
}
