// Command meshbridge connects a Meshtastic radio to a local chat engine and
// serves an HTTP facade for the mesh.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/api"
	"github.com/meshcommons/meshbridge/internal/config"
	"github.com/meshcommons/meshbridge/internal/gateway"
	"github.com/meshcommons/meshbridge/internal/logging"
	"github.com/meshcommons/meshbridge/internal/radio"
	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

var (
	configPath string
	target     string
	listenAddr string
	logLevel   string
	model      string
	autoReply  bool
	sendWait   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "meshbridge",
	Short:         "Bridge a Meshtastic radio to a local chat engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway and HTTP API",
	RunE:  runServe,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports that may host a radio",
	RunE:  runPorts,
}

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send one message to the mesh and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Settings file")
	rootCmd.PersistentFlags().StringVarP(&target, "target", "t", "", "Device target: serial path or host[:port]")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&model, "model", "", "Chat model")
	serveCmd.Flags().BoolVar(&autoReply, "auto-reply", false, "Answer mesh messages from start")

	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "How long to wait for the device")

	rootCmd.AddCommand(serveCmd, portsCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the settings file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Radio.Target = target
		cfg.Radio.ConnectOnStart = true
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("listen") {
		cfg.API.ListenAddr = listenAddr
	}
	if flags.Changed("model") {
		cfg.Ollama.Model = model
	}
	if flags.Changed("auto-reply") {
		cfg.Bridge.AutoReply = autoReply
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, configPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn("close gateway", zap.Error(err))
		}
	}()

	log.Info("meshbridge starting",
		zap.String("target", cfg.Radio.Target),
		zap.String("listen", cfg.API.ListenAddr),
		zap.String("model", cfg.Ollama.Model),
	)
	return gw.Run(ctx, api.NewRouter(gw, gw.Registry(), log.Named("api")))
}

func runPorts(cmd *cobra.Command, _ []string) error {
	ports, err := radio.ListPorts()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p.Target())
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Radio.Target == "" {
		return transport.ErrNoTarget
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()

	gw, err := gateway.New(ctx, cfg, configPath, log)
	if err != nil {
		return err
	}
	defer gw.Close() //nolint:errcheck

	return deliver(ctx, cmd.OutOrStdout(), gw, cfg.Radio.Target, strings.Join(args, " "))
}

// messageSender is the part of the gateway the send command drives.
type messageSender interface {
	Connect(ctx context.Context, target string) error
	SendMessage(ctx context.Context, text string) (*store.Message, error)
}

// deliver connects, sends text once and reports the journal entry. A message
// left in the offline queue is not delivered: the process exits before the
// queue could drain.
func deliver(ctx context.Context, out io.Writer, s messageSender, target, text string) error {
	if err := s.Connect(ctx, target); err != nil {
		return err
	}
	msg, err := s.SendMessage(ctx, text)
	if errors.Is(err, transport.ErrQueued) {
		return fmt.Errorf("message %s not delivered: %w", msg.UUID, err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", msg.Status, msg.UUID)
	return nil
}
