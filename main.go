package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/kutluhann/overlay-dht/api"
	"github.com/kutluhann/overlay-dht/config"
	"github.com/kutluhann/overlay-dht/dht"
	"github.com/kutluhann/overlay-dht/id_tools"
	"github.com/kutluhann/overlay-dht/storage"
	"github.com/kutluhann/overlay-dht/transport"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Init()

	root := &cobra.Command{
		Use:           "overlay-dht",
		Short:         "Kademlia overlay node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace|debug|info|warn|error|crit")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the node key")
	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		return setupLogging(cfg.LogLevel)
	}

	root.AddCommand(startCmd(cfg), keygenCmd(cfg), idCmd(cfg))
	return root
}

func setupLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
	return nil
}

func startCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a node and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Address, "address", cfg.Address, "address advertised to peers")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "TCP port for the DHT protocol")
	cmd.Flags().IntVar(&cfg.HTTPPort, "http", cfg.HTTPPort, "HTTP API port for client requests")
	cmd.Flags().StringSliceVar(&cfg.Seeds, "seed", cfg.Seeds, "seed node host:port, repeatable")
	cmd.Flags().StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec: json or msgpack")
	return cmd
}

func runNode(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, created, err := id_tools.LoadOrGenerateKey(id_tools.KeyPath(cfg.DataDir))
	if err != nil {
		return err
	}
	if created {
		log.Info("generated new identity", "path", id_tools.KeyPath(cfg.DataDir))
	}
	cfg.SetPrivateKey(key)

	self, err := dht.NewKeyContact(cfg.Address, cfg.Port, id_tools.PublicKeyHex(key))
	if err != nil {
		return err
	}
	codec, err := dht.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	var store dht.Storage = storage.NewMemStore()
	if hexKey := cfg.GetStorageEncryptionKey(); hexKey != "" {
		store, err = storage.NewEncryptedStoreFromHex(storage.NewMemStore(), hexKey)
		if err != nil {
			return err
		}
		log.Info("storage encryption enabled")
	}

	node, err := dht.NewNode(dht.Options{
		Contact:           self,
		Transport:         transport.NewTCP(fmt.Sprintf(":%d", cfg.Port), nil),
		Storage:           store,
		Codec:             codec,
		ExpireHandler:     dht.ExpireOlderThan(cfg.ItemTTL),
		ResponseTimeout:   cfg.ResponseTimeout,
		ReplicateInterval: cfg.ReplicateInterval,
		RepublishWindow:   cfg.RepublishWindow,
		ExpireInterval:    cfg.ExpireInterval,
	})
	if err != nil {
		return err
	}
	log.Info("node initialized", "id", self.ID(), "addr", self)

	seeds, err := parseSeeds(cfg.Seeds)
	if err != nil {
		return err
	}
	if err := node.Bootstrap(ctx, seeds); err != nil {
		node.Close()
		return fmt.Errorf("bootstrap: %w", err)
	}
	if len(seeds) == 0 {
		log.Info("running as genesis node, waiting for peers")
	}

	httpServer := api.NewHTTPServer(node, cfg.HTTPPort)
	errc := make(chan error, 1)
	go func() { errc <- httpServer.Start() }()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if cerr := node.Leave(); cerr != nil {
		log.Warn("leave failed", "err", cerr)
	}
	return err
}

func parseSeeds(seeds []string) ([]dht.Contact, error) {
	var out []dht.Contact
	for _, s := range seeds {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("seed %q: bad port", s)
		}
		c, err := dht.NewAddressPortContact(host, port)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func keygenCmd(cfg *config.Config) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := id_tools.KeyPath(cfg.DataDir)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			key, err := id_tools.GenerateKey()
			if err != nil {
				return err
			}
			if err := id_tools.SavePrivateKey(path, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id_tools.NodeIDFromKey(key))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func idCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "id [key]",
		Short: "Print the node id, or the position of a storage key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id_tools.FromKey(args[0]))
				return nil
			}
			key, err := id_tools.LoadPrivateKey(id_tools.KeyPath(cfg.DataDir))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id_tools.NodeIDFromKey(key))
			return nil
		},
	}
}
