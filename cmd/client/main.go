// Command wardenchat is the terminal chat client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"wardenchat/internal/config"
	"wardenchat/pkg/client"
	"wardenchat/pkg/dialer"
)

var version = "1.0.0"

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		memguard.SafeExit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		name       string
		server     string
		proxy      string
	)

	root := &cobra.Command{
		Use:          "wardenchat",
		Short:        "Join a wardenchat room",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.ServerAddress = server
			}
			if proxy != "" {
				cfg.ProxyAddress = proxy
			}
			return run(cmd.Context(), cfg, name, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to client configuration file (TOML)")
	root.Flags().StringVarP(&name, "name", "n", "", "Display name in the room")
	root.Flags().StringVarP(&server, "server", "s", "", "Server address (host:port or .onion:port)")
	root.Flags().StringVarP(&proxy, "proxy", "p", "", "SOCKS5 proxy, e.g. 127.0.0.1:9050 for Tor")
	root.MarkFlagRequired("name")

	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "wardenchat.toml"
			}
			if err := config.Write(path, config.DefaultClient()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfg *config.ClientConfig, name string, in io.Reader, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.Level(cfg.LogLevel),
	}))

	if dialer.IsOnion(cfg.ServerAddress) {
		if err := dialer.ValidateOnionAddress(cfg.ServerAddress); err != nil {
			return err
		}
	}

	d := dialer.New(cfg.ProxyAddress, cfg.DialTimeout)
	if cfg.ProxyAddress != "" && !d.IsAvailable(ctx) {
		return fmt.Errorf("proxy %s not responding, is Tor running?", cfg.ProxyAddress)
	}

	term := newTerminal(out)
	c, err := client.New(name,
		client.WithDialer(d),
		client.WithLogger(logger),
		client.WithPresenter(term),
	)
	if err != nil {
		return err
	}

	term.Info(fmt.Sprintf("wardenchat %s", version))
	term.Info(fmt.Sprintf("Fingerprint: %s", c.Identity().Fingerprint))
	term.Info(fmt.Sprintf("Connecting to %s...", cfg.ServerAddress))

	if err := c.Connect(ctx, cfg.ServerAddress); err != nil {
		return err
	}
	defer c.Close()

	if c.IsWarden() {
		term.Info("You hold the room key")
	}
	term.Info("Type /help for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			if err := c.Err(); err != nil {
				term.Error(err.Error())
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(c, term, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}
