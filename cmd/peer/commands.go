package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/adapters/media"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	sig "github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	_viper  = config.New()
	_config *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicemesh-peer",
		Short:         "Join full-mesh voice calls from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("hub", "", "Signaling hub websocket URL")
	root.PersistentFlags().String("participant", "", "Participant id")
	root.PersistentFlags().String("name", "", "Display name")
	root.PersistentFlags().String("media", "", "microphone or silence")
	root.PersistentFlags().String("log", "", "debug, info, warn, error")
	root.PersistentFlags().Bool("end", false, "End the call for everyone on exit (initiator only)")

	for key, flag := range map[string]string{
		"peer.hub_url":      "hub",
		"peer.participant":  "participant",
		"peer.display_name": "name",
		"media.source":      "media",
		"log_level":         "log",
	} {
		if err := _viper.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newStartCmd(), newJoinCmd(), newCallCmd(), newListCmd(), newWaitCmd())
	return root
}

func loadConfig(*cobra.Command, []string) error {
	cfg, err := config.LoadFrom(_viper)
	if err != nil {
		return err
	}
	if cfg.Peer.Participant == "" {
		return fmt.Errorf("participant id required (--participant or VOICE_PEER_PARTICIPANT)")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	_config = cfg
	return nil
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start [room]",
		Short:   "Start a call in a room",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ringing, _ := cmd.Flags().GetBool("ringing")
			var opts []app.StartOption
			if ringing {
				opts = append(opts, app.WithRinging())
			}
			return runCall(cmd, func(ctx context.Context, m *app.Manager) (*app.Session, error) {
				return m.StartSession(ctx, roomArg(args), opts...)
			})
		},
	}
	cmd.Flags().Bool("ringing", false, "Start as a ringing call")
	return cmd
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "join <session-id>",
		Short:   "Join an existing call",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, func(ctx context.Context, m *app.Manager) (*app.Session, error) {
				return m.JoinSession(ctx, domain.SessionID(args[0]))
			})
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "call [room]",
		Short:   "Join the room's call, or start one",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, func(ctx context.Context, m *app.Manager) (*app.Session, error) {
				return m.JoinOrStart(ctx, roomArg(args))
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [room]",
		Short:   "List the calls of a room",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := dialHub(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			all, err := client.ListSessions(ctx, roomArg(args))
			if err != nil {
				return err
			}
			for _, s := range all {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d participants\n", s.ID, s.Status, s.Initiator, len(s.Participants))
			}
			return nil
		},
	}
}

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wait [room]",
		Short:   "Wait for a ringing call in a room, then answer or reject it",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			reject, _ := cmd.Flags().GetBool("reject")
			return runCall(cmd, func(ctx context.Context, m *app.Manager) (*app.Session, error) {
				return answerIncoming(ctx, m, roomArg(args), reject)
			})
		},
	}
	cmd.Flags().Bool("reject", false, "Reject incoming calls instead of answering")
	return cmd
}

// answerIncoming blocks until a call rings in room. With reject set it keeps
// declining calls until ctx ends.
func answerIncoming(ctx context.Context, m *app.Manager, room domain.RoomID, reject bool) (*app.Session, error) {
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	watch, err := m.WatchIncoming(ctx, room)
	if err != nil {
		return nil, err
	}
	defer watch.Close()
	log.Info().Str("module", "peer").Str("room", string(room)).Msg("waiting for a call")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("event stream closed")
			}
			if e.Type != app.EventIncomingCall {
				continue
			}
			logEvent(e)
			if reject {
				if err := m.RejectSession(ctx, e.Session); err != nil {
					log.Warn().Err(err).Str("module", "peer").Msg("reject call")
				}
				continue
			}
			return m.JoinSession(ctx, e.Session)
		}
	}
}

func roomArg(args []string) domain.RoomID {
	if len(args) > 0 {
		return domain.RoomID(args[0])
	}
	return domain.RoomID(_config.Peer.Room)
}

// runCall wires the adapters, enters a session with enter and stays in it
// until interrupted or until the session ends.
func runCall(cmd *cobra.Command, enter func(context.Context, *app.Manager) (*app.Session, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self, err := domain.NewParticipant(_config.Peer.Participant, _config.Peer.DisplayName)
	if err != nil {
		return err
	}
	device, err := media.New(_config.Media)
	if err != nil {
		return err
	}
	dialer, err := rtc.NewDialer(rtc.OptionsFromConfig(_config.ICE), device)
	if err != nil {
		return err
	}
	client, err := dialHub(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	m := app.NewManager(*self, client, device, dialer, app.Config{
		NegotiationTimeout: _config.Call.NegotiationTimeout,
		HealthInterval:     _config.Call.HealthInterval,
	})
	m.OnRemoteStream(func(p domain.ParticipantID, rs core.RemoteStream) {
		log.Info().Str("module", "peer").Str("remote", string(p)).Str("stream", rs.ID()).Msg("receiving audio")
		rs.Discard()
	})
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	s, err := enter(ctx, m)
	if err != nil {
		return err
	}
	log.Info().Str("module", "peer").Str("session", string(s.ID())).Msg("in call, Ctrl-C to leave")

	hubDone := client.Done()
	for {
		select {
		case <-ctx.Done():
			return leave(m, cmd)
		case <-hubDone:
			// connected links keep carrying audio; only negotiation stops
			log.Error().Err(client.Err()).Str("module", "peer").Msg("hub unreachable, staying in call with current links")
			hubDone = nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(e)
			if e.Type == app.EventSessionEnded {
				return nil
			}
		}
	}
}

func dialHub(ctx context.Context) (*sig.Client, error) {
	return sig.Dial(ctx, _config.Peer.HubURL, domain.ParticipantID(_config.Peer.Participant),
		sig.WithReconnect(sig.Reconnect{
			MinDelay: _config.Peer.ReconnectMinDelay,
			MaxDelay: _config.Peer.ReconnectMaxDelay,
			Attempts: _config.Peer.ReconnectAttempts,
		}))
}

func leave(m *app.Manager, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if end, _ := cmd.Flags().GetBool("end"); end {
		return m.EndSession(ctx)
	}
	return m.LeaveSession(ctx)
}

func logEvent(e app.Event) {
	l := log.Info().Str("module", "peer").Str("event", string(e.Type))
	switch e.Type {
	case app.EventRosterChanged:
		l = l.Int("participants", len(e.Roster))
	case app.EventLinkState:
		l = log.Debug().Str("module", "peer").Str("event", string(e.Type)).
			Str("remote", string(e.Participant)).Str("state", e.State.String())
	case app.EventLinkFailed:
		l = log.Warn().Str("module", "peer").Str("event", string(e.Type)).Str("remote", string(e.Participant))
	case app.EventError:
		l = log.Error().Err(e.Err).Str("module", "peer").Str("event", string(e.Type))
	case app.EventIncomingCall:
		l = l.Str("session", string(e.Session)).Str("room", string(e.Room)).Str("caller", e.Caller)
	case app.EventIncomingCallCleared:
		l = l.Str("session", string(e.Session))
	}
	l.Msg("call event")
}
