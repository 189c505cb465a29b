// Command call-client is a headless call endpoint. It connects to the
// signaling WebSocket of the call service, places or answers one call with
// synthetic media and prints the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"callrelay-backend/internal/callclient"
	"callrelay-backend/internal/callclient/pionrtc"
	"callrelay-backend/internal/callclient/wsrelay"
	"callrelay-backend/pkg/env"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/signaling"
)

type options struct {
	server       string
	token        string
	conversation string
	peer         string
	mode         string
	call         bool
	autoAccept   bool
	stun         []string
	logLevel     string
	hangupAfter  time.Duration
}

func parseFlags() *options {
	o := &options{}
	fs := pflag.NewFlagSet("call-client", pflag.ExitOnError)
	fs.StringVar(&o.server, "server", env.GetString("CALL_SIGNALING_URL", "ws://localhost:8084/v1/calls/ws/signaling"), "signaling WebSocket URL")
	fs.StringVar(&o.token, "token", env.GetStringFromFile("CALL_CLIENT_TOKEN", ""), "access token")
	fs.StringVar(&o.conversation, "conversation", "", "conversation id")
	fs.StringVar(&o.peer, "peer", "", "user id of the remote participant")
	fs.StringVar(&o.mode, "mode", string(signaling.ModeVoice), "call mode: voice or video")
	fs.BoolVar(&o.call, "call", false, "place a call instead of waiting for one")
	fs.BoolVar(&o.autoAccept, "auto-accept", false, "answer incoming calls")
	fs.StringSliceVar(&o.stun, "stun", nil, "ICE server URLs")
	fs.StringVar(&o.logLevel, "log-level", env.GetString("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.DurationVar(&o.hangupAfter, "hangup-after", 0, "hang up once connected for this long")
	_ = fs.Parse(os.Args[1:])
	return o
}

func (o *options) validate() error {
	if o.token == "" {
		return fmt.Errorf("--token is required")
	}
	mode := signaling.Mode(o.mode)
	if mode != signaling.ModeVoice && mode != signaling.ModeVideo {
		return fmt.Errorf("unknown mode %q", o.mode)
	}
	if o.call && (o.conversation == "" || o.peer == "") {
		return fmt.Errorf("--call needs --conversation and --peer")
	}
	return nil
}

func main() {
	opts := parseFlags()
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "call-client: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(&logger.Config{Level: opts.logLevel, Format: "text", Output: "stdout"}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := pionrtc.NewFactory(opts.stun, log)
	if err != nil {
		logger.Fatal("Failed to set up WebRTC", zap.Error(err))
	}

	changes := make(chan callclient.LocalCallState, 32)
	finished := make(chan callclient.Notice, 1)

	// events wait until the machine exists
	var machine *callclient.Machine
	ready := make(chan struct{})
	client, err := wsrelay.Dial(ctx, opts.server, opts.token, func(ctx context.Context, ev *signaling.Event) {
		<-ready
		machine.HandleEvent(ctx, ev)
	}, log)
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer client.Close()

	machine, err = callclient.NewMachine(callclient.Config{
		Relay:      client,
		Media:      &pionrtc.SyntheticSource{Logger: log},
		Transports: factory,
		Logger:     log,
		OnNotice: func(n callclient.Notice) {
			fmt.Println(n.Text)
			select {
			case finished <- n:
			default:
			}
		},
		OnChange: func(s callclient.LocalCallState) {
			select {
			case changes <- s:
			default:
			}
		},
	})
	if err != nil {
		logger.Fatal("Failed to create call machine", zap.Error(err))
	}
	close(ready)

	if opts.call {
		if err := machine.Initiate(ctx, opts.conversation, opts.peer, signaling.Mode(opts.mode)); err != nil {
			logger.Fatal("Failed to start call", zap.Error(err))
		}
	}

	var hangup <-chan time.Time
	last := callclient.StateIdle
	for {
		select {
		case <-ctx.Done():
			_ = machine.Hangup()
			return
		case <-client.Done():
			log.Warn("Signaling connection closed")
			_ = machine.Hangup()
			return
		case n := <-finished:
			log.Info("Call finished", zap.String("notice", string(n.Kind)))
			if opts.call || !opts.autoAccept {
				return
			}
			hangup = nil
		case <-hangup:
			_ = machine.Hangup()
		case s := <-changes:
			if s.State != last {
				log.Info("Call state", zap.String("state", string(s.State)),
					zap.String("conversation", s.ConversationID),
					zap.String("quality", string(s.Quality)))
				last = s.State
			}
			switch s.State {
			case callclient.StateIncomingRinging:
				if !opts.autoAccept {
					fmt.Printf("Incoming %s call from %s\n", s.Mode, s.RemoteName)
					continue
				}
				go func() {
					if err := machine.Accept(ctx); err != nil {
						log.Warn("Failed to accept call", zap.Error(err))
					}
				}()
			case callclient.StateConnected:
				if opts.hangupAfter > 0 && hangup == nil {
					hangup = time.After(opts.hangupAfter)
				}
			}
		}
	}
}
