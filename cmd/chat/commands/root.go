package commands

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/whookdev/chatrelay/internal/client"
	"github.com/whookdev/chatrelay/internal/state"
	"github.com/whookdev/chatrelay/internal/storage"
)

var (
	home      string
	relayURL  string
	stateKind string
	verbose   bool

	session *client.Session
	closers []io.Closer
)

func Execute() error {
	root := newRootCmd()
	defer closeAll()
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat",
		Short:         "Chat with a completion API through a relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			store, secrets, err := openStorage(logger)
			if err != nil {
				return err
			}

			s, err := client.NewSession(cmd.Context(), client.Options{
				RelayURL:   relayURL,
				Storage:    store,
				Secrets:    secrets,
				HTTPClient: &http.Client{Timeout: 5 * time.Minute},
				Policy:     state.DefaultPolicy(),
			}, logger)
			if err != nil {
				return err
			}
			session = s
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.chatrelay)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "http://127.0.0.1:3000", "relay base URL")
	root.PersistentFlags().StringVar(&stateKind, "state", "sqlite", "where to keep settings and history: sqlite, remote or memory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log storage and transport details")

	root.AddCommand(askCmd(), configCmd(), historyCmd())
	return root
}

// openStorage returns the store for settings and history and the store for
// the API key. The key never leaves the machine: with remote state it stays
// in the local database and only authenticates the slot requests.
func openStorage(logger *slog.Logger) (state.Storage, state.Storage, error) {
	switch stateKind {
	case "sqlite":
		db, err := openLocal(logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case "remote":
		db, err := openLocal(logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("using relay state", "relay", relayURL)
		remote := storage.NewRemote(relayURL, nil, storage.WithCredential(client.BearerFrom(db)))
		return remote, db, nil
	case "memory":
		mem := storage.NewMemory()
		return mem, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q (want sqlite, remote or memory)", stateKind)
	}
}

func openLocal(logger *slog.Logger) (*storage.SQLite, error) {
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		home = filepath.Join(dir, ".chatrelay")
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(home, "state.db")
	db, err := storage.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening local state: %w", err)
	}
	closers = append(closers, db)
	logger.Debug("using local state", "path", path)
	return db, nil
}

func closeAll() {
	for _, c := range closers {
		c.Close()
	}
	closers = nil
}
