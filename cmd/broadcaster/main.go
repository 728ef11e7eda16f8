package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadcaster/native/internal/api"
	"broadcaster/native/internal/chat"
	"broadcaster/native/internal/config"
	"broadcaster/native/internal/domain"
	"broadcaster/native/internal/fanout"
	"broadcaster/native/internal/orchestrator"
	"broadcaster/native/internal/session"
	sigclient "broadcaster/native/internal/signal"
	"broadcaster/native/internal/sink"
	"broadcaster/native/internal/source"
	"broadcaster/native/internal/stats"
	"broadcaster/native/internal/webrtc"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

const helpText = `broadcaster - watch every live stream of a broadcaster server

Usage:
  broadcaster [options]

Joins the stream signalling channel, subscribes to each announced stream over
WHEP and logs bitrate, loss and layer changes. With --record-dir every video
track is written as raw H264 (<dir>/<stream>.h264). With --publish an H264
file is sent to the server over WHIP as simulcast h/m/l, restarting the
negotiation whenever the connection fails.

Every option can also be set as BROADCASTER_<OPTION> (dashes become
underscores) in the environment or a .env file.

Examples:
  # Watch and record
  broadcaster --socket-url ws://localhost:4000/socket \
    --base-url http://localhost:4000 --record-dir ./rec

  # Play a recording
  ffplay -f h264 rec/<stream>.h264

  # Publish a file and watch the low layer of every stream
  broadcaster --socket-url ws://localhost:4000/socket \
    --base-url http://localhost:4000 --token $TOKEN --publish in.h264 --layer l

Options:
`

const shutdownTimeout = 5 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Print(helpText + config.Flags().FlagUsages())
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	level, _ := cfg.Level()
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("broadcaster")
	}
	log.Info().Msg("done")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := log.With().Str("module", "main").Logger()

	var bg conc.WaitGroup
	defer func() {
		cancel()
		bg.Wait()
	}()

	// HTTP negotiation and admin API
	var apiOpts []api.Option
	if cfg.Token != "" {
		apiOpts = append(apiOpts, api.WithBearerToken(cfg.Token))
	}
	apiClient, err := api.NewClient(cfg.BaseURL, apiOpts...)
	if err != nil {
		return err
	}

	// Media transports
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	factory, err := webrtc.NewFactory(servers)
	if err != nil {
		return err
	}

	// Optional recorder
	var files *sink.Files
	if cfg.RecordDir != "" {
		if files, err = sink.NewFiles(cfg.RecordDir); err != nil {
			return err
		}
		defer func() {
			cancel()
			files.Wait()
		}()
	}

	// Optional WHIP publisher
	if cfg.Publish != "" {
		pub, err := startPublisher(ctx, cfg, apiClient, factory, &bg)
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	var registry *fanout.Registry
	onConnected := func(string) {}
	if cfg.Layer != "" {
		onConnected = func(id string) {
			bg.Go(func() {
				if err := registry.SelectLayer(ctx, id, cfg.Layer); err != nil {
					logger.Warn().Str("stream", id).Str("layer", cfg.Layer).Err(err).Msg("select layer")
				}
			})
		}
	}
	registry = fanout.NewRegistry(fanout.Config{
		Endpoint:           apiClient.WHEPEndpoint,
		NewTransport:       factory.NewSubscriber,
		Negotiator:         apiClient,
		StatsInterval:      cfg.StatsInterval,
		MaxConcurrentJoins: cfg.MaxJoins,
		Hooks:              registryHooks(ctx, files, onConnected),
	})

	// Signaling socket
	clientID := uuid.NewString()
	params := map[string]string{"client_id": clientID}
	if cfg.Token != "" {
		params["token"] = cfg.Token
	}
	socket, err := sigclient.NewSocket(cfg.SocketURL, params)
	if err != nil {
		return err
	}
	if err := socket.Connect(ctx); err != nil {
		return err
	}
	defer socket.Close()
	logger.Info().Str("client", clientID).Str("url", cfg.SocketURL).Msg("connected")

	ocfg := orchestrator.Config{
		Channel:  func(topic string) domain.Channel { return socket.Channel(topic, nil) },
		Registry: registry,
		Hooks: orchestrator.Hooks{
			OnChannelError: func(string, error) { cancel() },
			OnChannelClose: func(string) { cancel() },
		},
	}
	if cfg.Chat || cfg.Nickname != "" {
		ocfg.Chat = chatConfig(cfg, apiClient)
	}
	if cfg.Mesh {
		ocfg.Mesh = &orchestrator.MeshConfig{
			NewTransport:  factory.NewAnswerer,
			StatsInterval: cfg.StatsInterval,
			Hooks: sessionHooksFor("mesh", func(t domain.RemoteTrack) {
				if files != nil && t.Kind() == domain.KindVideo {
					if err := files.Attach(ctx, "mesh-"+t.ID(), t); err != nil {
						logger.Warn().Err(err).Msg("record mesh track")
					}
				}
			}),
		}
	}

	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return err
	}
	if err := orch.Run(ctx); err != nil {
		closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		orch.Close(closeCtx)
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case <-socket.Done():
		logger.Warn().Msg("signaling socket closed")
	}

	closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	orch.Close(closeCtx)
	return nil
}

// startPublisher streams cfg.Publish to the WHIP endpoint. Each restart
// builds a new peer and the file is redirected to its tracks.
func startPublisher(ctx context.Context, cfg *config.Config, apiClient *api.Client, factory *webrtc.Factory, bg *conc.WaitGroup) (*session.Session, error) {
	logger := log.With().Str("module", "publish").Logger()
	feed, err := source.NewFile(cfg.Publish, source.WithFPS(cfg.PublishFPS))
	if err != nil {
		return nil, err
	}
	pub, err := session.New(session.Config{
		Role:     domain.RolePublisher,
		Endpoint: apiClient.WHIPEndpoint(),
		NewTransport: func() (domain.Transport, error) {
			p, err := factory.NewPublisher()
			if err != nil {
				return nil, err
			}
			feed.SetWriters(videoWriters(p)...)
			return p, nil
		},
		Exchanger:      apiClient,
		Candidates:     apiClient,
		Terminator:     apiClient,
		StatsInterval:  cfg.StatsInterval,
		RestartLimiter: rate.NewLimiter(rate.Every(cfg.RestartEvery), 1),
		Hooks:          sessionHooksFor("publish", func(domain.RemoteTrack) {}),
	})
	if err != nil {
		return nil, err
	}

	bg.Go(func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("h264 source stopped")
		}
	})
	bg.Go(func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("publish")
			return
		}
		logger.Info().Str("resource", pub.Resource()).Strs("layers", pub.OfferedLayers()).Msg("publishing")
	})
	return pub, nil
}

func videoWriters(p *webrtc.Peer) []source.RTPWriter {
	var ws []source.RTPWriter
	for _, l := range webrtc.SimulcastLayers {
		if t, ok := p.VideoTrack(l.RID); ok {
			ws = append(ws, t)
		}
	}
	return ws
}

func registryHooks(ctx context.Context, files *sink.Files, onConnected func(id string)) fanout.Hooks {
	logger := log.With().Str("module", "fanout").Logger()
	return fanout.Hooks{
		OnTrackReady: func(s *fanout.Sink) {
			logger.Info().Str("stream", s.StreamID).Str("track", s.Track.ID()).Msg("video ready")
			if files == nil {
				return
			}
			if err := files.Attach(ctx, s.StreamID, s.Track); err != nil {
				logger.Warn().Str("stream", s.StreamID).Err(err).Msg("record")
			}
		},
		OnEmpty: func() { logger.Info().Msg("no active streams") },
		OnMetrics: func(id string, m stats.Metrics) {
			logMetrics(logger, id, m)
		},
		OnLayers: func(id string, layers []string, current string) {
			logger.Info().Str("stream", id).Strs("layers", layers).Str("current", current).Msg("layers")
		},
		OnFailed: func(id string, err error) {
			logger.Warn().Str("stream", id).Err(err).Msg("stream failed")
		},
		OnState: func(id string, from, to domain.State) {
			logger.Debug().Str("stream", id).Stringer("from", from).Stringer("to", to).Msg("state")
			if to == domain.StateConnected {
				onConnected(id)
			}
		},
	}
}

func sessionHooksFor(module string, onTrack func(domain.RemoteTrack)) session.Hooks {
	logger := log.With().Str("module", module).Logger()
	return session.Hooks{
		OnTrack:   func(_ string, t domain.RemoteTrack) { onTrack(t) },
		OnMetrics: func(id string, m stats.Metrics) { logMetrics(logger, id, m) },
		OnState: func(id string, from, to domain.State) {
			logger.Info().Str("sid", id).Stringer("from", from).Stringer("to", to).Msg("state")
		},
	}
}

func chatConfig(cfg *config.Config, apiClient *api.Client) *orchestrator.ChatConfig {
	logger := log.With().Str("module", "chat").Logger()
	// regular viewers join without moderation rights
	var admin domain.ChatAdmin
	if cfg.Admin {
		admin = apiClient
	}
	return &orchestrator.ChatConfig{
		Log:      chat.NewLog(cfg.ChatWindow, chat.WithHistory(cfg.ChatHistory)),
		Admin:    admin,
		Nickname: cfg.Nickname,
		Hooks: chat.Hooks{
			OnMessages: func(msgs []domain.ChatMessage) {
				if n := len(msgs); n > 0 {
					last := msgs[n-1]
					logger.Info().Str("from", last.Nickname).Str("body", last.Body).Int("kept", n).Msg("message")
				}
			},
			OnViewerCount: func(n int) { logger.Info().Int("viewers", n).Msg("presence") },
			OnJoinResult: func(ok bool, reason string) {
				if ok {
					logger.Info().Str("nickname", cfg.Nickname).Msg("joined chat")
					return
				}
				logger.Warn().Str("reason", reason).Msg("chat join refused")
			},
		},
	}
}

func logMetrics(logger zerolog.Logger, id string, m stats.Metrics) {
	logger.Debug().
		Str("sid", id).
		Float64("audio_kbps", m.AudioBitrate/1000).
		Float64("video_kbps", m.VideoBitrate/1000).
		Float64("loss_pct", m.PacketLoss).
		Msg("metrics")
}
