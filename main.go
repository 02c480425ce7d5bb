// Command panicrelay relays panic-button connections to emergency phone
// calls and SMS through Twilio.
//
// Usage:
//
//	panicrelay [--config file]          Run the relay server
//	panicrelay call <number> [--body]   Place one alert call
//	panicrelay sms <number> <body>      Send one SMS
//	panicrelay status <callSid>         Show a call's provider status
//	panicrelay check                    Verify credentials and list numbers
//	panicrelay clean                    Reset the number's voice configuration
//	panicrelay calls [--limit n]        List journaled calls
//	panicrelay trigger <number>         Act as a panic button against a relay
//	panicrelay listen                   Monitor a relay's messages and audio
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"panicrelay/dialplan"
	"panicrelay/twilio"
)

var lockFd *os.File

func getLockFile() string {
	// One lock per user, so two relays never share the port or the journal.
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.panicrelay.lock"
	}
	if tmpDir := os.Getenv("TMPDIR"); tmpDir != "" {
		return tmpDir + "/panicrelay.lock"
	}
	return "/tmp/panicrelay.lock"
}

// acquireLock uses flock so that only one relay serves a number at a time.
func acquireLock() error {
	f, err := os.OpenFile(getLockFile(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cannot open lock file %s: %w", getLockFile(), err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		// Lock held by another process; read the PID for a clear error message
		data, _ := io.ReadAll(f)
		f.Close()
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 {
			return fmt.Errorf("another instance is already running (PID %d, lock file: %s)", pid, getLockFile())
		}
		return fmt.Errorf("another instance is already running (lock file: %s)", getLockFile())
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	lockFd = f // keep open so the flock is held for the process lifetime
	return nil
}

// releaseLock releases the flock and removes the lock file.
func releaseLock() {
	if lockFd != nil {
		syscall.Flock(int(lockFd.Fd()), syscall.LOCK_UN)
		lockFd.Close()
		os.Remove(getLockFile())
	}
}

var (
	configPath string
	callBody   string
	callsLimit int
	relayAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "panicrelay",
	Short: "Emergency alert relay",
	Long: `Emergency alert relay.

Panic-button clients connect over a websocket and ask for an alert call or
SMS; the relay places it through Twilio and streams the call's audio back
to every connected client.

Configuration comes from an optional TOML file (--config or
PANICRELAY_CONFIG), a .env file and the environment.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		if err := acquireLock(); err != nil {
			return err
		}
		defer releaseLock()
		return runServer(cmd.Context(), cfg, logger)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <number>",
	Short: "Place one alert call",
	Long: `Place one alert call with the configured message and media stream.
With --body an SMS with that text follows the call.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		gw, _, err := buildGateway(cfg, logger)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		call, err := gw.PlaceCall(ctx, args[0])
		if err != nil {
			return err
		}
		result := map[string]any{"callId": call.ID, "status": call.Status}
		if callBody != "" {
			smsID, err := gw.SendSMS(ctx, args[0], callBody)
			if err != nil {
				return fmt.Errorf("call %s placed but sms failed: %w", call.ID, err)
			}
			result["messageId"] = smsID
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var smsCmd = &cobra.Command{
	Use:   "sms <number> <body>",
	Short: "Send one SMS",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		gw, _, err := buildGateway(cfg, logger)
		if err != nil {
			return err
		}
		smsID, err := gw.SendSMS(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"messageId": smsID})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <callSid>",
	Short: "Show a call's provider status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		gw, _, err := buildGateway(cfg, logger)
		if err != nil {
			return err
		}
		info, err := gw.CallStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"callId": info.ID, "status": info.Status})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify credentials and list phone numbers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		client, err := newTwilioClient(cfg)
		if err != nil {
			return err
		}
		return checkAccount(cmd.Context(), client, cmd.OutOrStdout())
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Reset the phone number's voice configuration",
	Long: `Clear the voice URL, fallback and status callback of TWILIO_PHONE_SID,
detach it from any TwiML application and delete every application on the
account. Outbound alert calls carry their own TwiML, so nothing is lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		client, err := newTwilioClient(cfg)
		if err != nil {
			return err
		}
		return cleanNumber(cmd.Context(), client, cfg.TwilioPhoneSID, cmd.OutOrStdout(), logger)
	},
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List journaled calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		db, err := InitDB(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		calls, err := db.ListCalls(callsLimit)
		if err != nil {
			return err
		}
		if calls == nil {
			calls = []CallRecord{}
		}
		return printJSON(cmd.OutOrStdout(), calls)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <number>",
	Short: "Press the panic button against a running relay",
	Long: `Connect to a running relay as a panic-button client, ask for an alert
call and print every event until the call ends. Interrupting hangs up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		client := NewButtonClient(relayBase(cfg), logger)
		out := cmd.OutOrStdout()
		err = client.Trigger(cmd.Context(), args[0], callBody, func(ev ButtonEvent) {
			printButtonEvent(out, ev)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Monitor a running relay's messages and audio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		client := NewButtonClient(relayBase(cfg), logger)
		out := cmd.OutOrStdout()
		return client.Listen(cmd.Context(), func(ev ButtonEvent) {
			printButtonEvent(out, ev)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	callCmd.Flags().StringVar(&callBody, "body", "", "SMS text to send after the call")
	callsCmd.Flags().IntVarP(&callsLimit, "limit", "n", 20, "number of calls to list")
	triggerCmd.Flags().StringVar(&callBody, "body", "", "SMS text for the alert")
	for _, c := range []*cobra.Command{triggerCmd, listenCmd} {
		c.Flags().StringVar(&relayAddr, "relay", "", "relay base URL (default SERVER_URL or localhost)")
	}

	rootCmd.AddCommand(serveCmd, callCmd, smsCmd, statusCmd, checkCmd, cleanCmd, callsCmd, triggerCmd, listenCmd)
}

func loadRuntime() (*Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := InitLogger("panicrelay", cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, logger, nil
}

func newTwilioClient(cfg *Config) (*twilio.Client, error) {
	if err := cfg.ValidateTwilio(); err != nil {
		return nil, err
	}
	return twilio.New(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioBaseURL,
	})
}

// buildGateway creates the provider client and the dial plan that every
// calling path shares.
func buildGateway(cfg *Config, logger zerolog.Logger) (*twilioGateway, *twilio.Client, error) {
	client, err := newTwilioClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	plan, err := dialplan.Load(cfg.DefaultCountryCode, cfg.DialPlanScript,
		dialplan.WithLogger(logger.With().Str("component", "dialplan").Logger()))
	if err != nil {
		return nil, nil, err
	}
	if plan.Scripted() {
		logger.Info().Str("script", cfg.DialPlanScript).Msg("dial plan loaded")
	}
	return newTwilioGateway(cfg, client, plan, logger.With().Str("component", "twilio").Logger()), client, nil
}

func relayBase(cfg *Config) string {
	switch {
	case relayAddr != "":
		return relayAddr
	case cfg.ServerURL != "":
		return cfg.ServerURL
	default:
		return fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
}

func printButtonEvent(w io.Writer, ev ButtonEvent) {
	if ev.Audio != nil {
		fmt.Fprintf(w, "audio %d bytes\n", len(ev.Audio))
		return
	}
	data, _ := json.Marshal(ev.Message)
	fmt.Fprintln(w, string(data))
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
