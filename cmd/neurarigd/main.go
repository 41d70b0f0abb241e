package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafaelvaloto/Neura-Rig/internal/config"
	"github.com/rafaelvaloto/Neura-Rig/internal/core"
	"github.com/rafaelvaloto/Neura-Rig/internal/journal"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
	"github.com/rafaelvaloto/Neura-Rig/internal/transport"
)

const defaultConfigPath = "config/neurarig.yaml"

var (
	debug      bool
	configPath string

	replayPcap  string
	replayPort  int
	replayPaced bool

	profilePath string

	historyJournal string
	historyLimit   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "neurarigd",
	Short: "Online IK learner and solver for a game engine rig",
	Long: `neurarigd receives rig packets over UDP, trains a small network online
until the foot IK loss converges, then answers every pose packet with solved
bone rotations.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind the UDP socket and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		slog.Info("starting neurarig service",
			"config", configPath,
			"debug", debug,
			"listen", cfg.Network.Listen,
		)

		svc, err := core.NewService(cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		udp, err := transport.ListenUDP(transport.UDPConfig{
			Addr:        cfg.Network.Listen,
			BufferBytes: cfg.Network.BufferBytes,
			ReadTimeout: cfg.ReadTimeout(),
		})
		if err != nil {
			return err
		}

		return runUntilSignal(svc, udp)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed a pcap capture through the service",
	Long: `replay drives the packet loop from the UDP payloads of a capture file
instead of a live socket. Replies are counted and discarded. The health
server is disabled for replays.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayPcap == "" {
			return fmt.Errorf("--pcap is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Health.Port = 0

		svc, err := core.NewService(cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		r, err := transport.OpenReplay(transport.ReplayConfig{
			Path:  replayPcap,
			Port:  replayPort,
			Paced: replayPaced,
		})
		if err != nil {
			return err
		}

		start := time.Now()
		if err := runUntilSignal(svc, r); err != nil {
			return err
		}

		st := svc.Engine().Status()
		slog.Info("replay finished",
			"duration", time.Since(start),
			"packets", st.Packets,
			"skipped", r.Skipped(),
			"steps", st.Steps,
			"solves", st.Solves,
			"mode", st.Mode.String(),
			"last_loss", st.LastLoss,
		)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the record layout of a rig profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := rig.FootIK()
		if profilePath != "" {
			loaded, err := rig.LoadProfile(profilePath)
			if err != nil {
				return err
			}
			p = loaded
		}
		schema, err := p.Schema()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "profile %s: record %d floats (%d input, %d target), output %d floats\n\n",
			schema.ProfileName(), schema.RecordSize(), schema.RequiredInputSize(),
			schema.RequiredTargetSize(), schema.RequiredOutputSize())

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SECTION\tNAME\tROLE\tOFFSET\tWIDTH")
		for _, f := range schema.Fields() {
			fmt.Fprintf(w, "record\t%s\t%s\t%d\t%d\n", f.Name, f.Role, f.Offset, f.Width)
		}
		for _, f := range schema.OutputFields() {
			fmt.Fprintf(w, "output\t%s\t%s\t%d\t%d\n", f.Name, f.Role, f.Offset, f.Width)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show sessions and recent steps from a training journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyJournal == "" {
			return fmt.Errorf("--journal is required")
		}
		j, err := journal.Open(historyJournal)
		if err != nil {
			return err
		}
		defer j.Close()

		ctx := cmd.Context()
		sessions, err := j.Sessions(ctx)
		if err != nil {
			return err
		}
		steps, err := j.RecentSteps(ctx, historyLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tINSTANCE\tPROFILE\tBACKEND\tSTARTED\tSTEPS\tCONVERGED\tFINAL LOSS")
		for _, s := range sessions {
			converged := "-"
			if s.ConvergedStep > 0 {
				converged = fmt.Sprint(s.ConvergedStep)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%g\n",
				s.ID, s.InstanceID, s.Profile, s.Backend,
				s.StartedAt.Format(time.RFC3339), s.Steps, converged, s.FinalLoss)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SESSION\tSTEP\tMODE\tRECORDS\tLOSS\tPOSITION\tREG")
		for _, st := range steps {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%g\t%g\t%g\n",
				st.Session, st.Step, st.Mode, st.Records, st.Loss, st.Position, st.Regularization)
		}
		return w.Flush()
	},
}

// runUntilSignal runs svc on t until a signal, a shutdown command or the end
// of a replay, then shuts down gracefully
func runUntilSignal(svc *core.Service, t transport.Transport) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx, t) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr = <-errChan:
		switch {
		case errors.Is(runErr, io.EOF):
			slog.Info("transport exhausted")
			runErr = nil
		case runErr != nil:
			slog.Error("service error", "error", runErr)
		default:
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("neurarig service stopped successfully")
	return runErr
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	for _, c := range []*cobra.Command{serveCmd, replayCmd} {
		c.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	}

	replayCmd.Flags().StringVar(&replayPcap, "pcap", "", "Capture file to replay")
	replayCmd.Flags().IntVar(&replayPort, "port", 6003, "Destination UDP port to keep (0 keeps all)")
	replayCmd.Flags().BoolVar(&replayPaced, "paced", false, "Honor the capture's inter-packet timing")

	profileCmd.Flags().StringVar(&profilePath, "path", "", "Profile descriptor (default: built-in Foot_IK)")

	historyCmd.Flags().StringVar(&historyJournal, "journal", "", "Journal database path")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of recent steps to show")

	rootCmd.AddCommand(serveCmd, replayCmd, profileCmd, historyCmd)
}
