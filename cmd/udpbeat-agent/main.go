package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"udpbeat/internal/agent"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpbeat-agent [nodeId [serverAddress [serverPort]]]",
		Short: "UDP heartbeat client",
		Long: `udpbeat-agent announces itself to a heartbeat server with a Join message,
reports liveness with periodic Pings and departs gracefully with a Leave on
shutdown. Connectivity is tracked from the server's Pong responses.`,
		Args: cobra.MaximumNArgs(3),
		RunE: runAgent,
	}

	// Flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/udpbeat/client.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Node configuration flags
	rootCmd.Flags().String("node-id", "", "node ID (auto-generated if empty)")
	rootCmd.Flags().String("server-address", "127.0.0.1", "server address")
	rootCmd.Flags().Int("server-port", 5000, "server UDP port")
	rootCmd.Flags().Duration("heartbeat-interval", agent.DefaultConfig().HeartbeatInterval, "interval between pings")
	rootCmd.Flags().StringToString("metadata", nil, "metadata sent with the join message")

	// Bind flags to viper
	viper.BindPFlag("node_id", rootCmd.Flags().Lookup("node-id"))
	viper.BindPFlag("server_address", rootCmd.Flags().Lookup("server-address"))
	viper.BindPFlag("server_port", rootCmd.Flags().Lookup("server-port"))
	viper.BindPFlag("heartbeat_interval", rootCmd.Flags().Lookup("heartbeat-interval"))
	viper.BindPFlag("metadata", rootCmd.Flags().Lookup("metadata"))

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("udpbeat-agent %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Initialize logger
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load configuration
	config, err := loadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Positional args override file, env and flag values.
	if len(args) > 0 {
		config.NodeID = args[0]
	}
	if len(args) > 1 {
		config.ServerAddress = args[1]
	}
	if len(args) > 2 {
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[2], err)
		}
		config.ServerPort = port
	}

	logger.Info("starting udpbeat agent",
		zap.String("version", Version),
		zap.String("server", config.ServerAddress),
		zap.Int("port", config.ServerPort),
	)

	// Create agent
	ag, err := agent.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ag.OnConnectionChange(func(connected bool) {
		if connected {
			logger.Info("server reachable", zap.Duration("latency", ag.LastLatency()))
		} else {
			logger.Info("disconnected from server")
		}
	})

	// Start agent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("received shutdown signal")

	// Graceful shutdown
	if err := ag.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

func loadConfig(cfgFile string) (agent.Config, error) {
	config := agent.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("client")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/udpbeat")
		viper.AddConfigPath("$HOME/.udpbeat")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("UDPBEAT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, err
		}
		// Config file not found; use defaults
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, err
	}

	return config, nil
}
