// Command client joins a room's mesh from the terminal: it dials the
// signaling endpoint, answers offers from members already present and dials
// members who join later. Media in/out is audio-only unless -video is set;
// actual capture devices are outside this binary, so it negotiates
// recv-only links and logs remote streams.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/adapters/rtc"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/mesh"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/api/ws", "signaling endpoint")
		channel = flag.String("channel", "", "channel id to join")
		user    = flag.String("user", "", "user id (pre-validated identity)")
		video   = flag.Bool("video", false, "join the video room instead of voice")
		timeout = flag.Duration("negotiation-timeout", 0, "close links stuck negotiating (0 = never)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *channel == "" || *user == "" {
		log.Fatal().Msg("-channel and -user are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key := domain.VoiceRoom(domain.ChannelID(*channel))
	if *video {
		key = domain.VideoRoom(domain.ChannelID(*channel))
	}

	client, err := mesh.Dial(ctx, *url)
	if err != nil {
		log.Fatal().Err(err).Msg("dial signaling")
	}
	defer func() { _ = client.Close() }()

	coord := mesh.NewCoordinator(mesh.Config{
		Room:               key,
		Self:               domain.UserID(*user),
		HasVideo:           *video,
		NegotiationTimeout: *timeout,
		NewLink: func(remote domain.UserID) (mesh.MediaLink, error) {
			return rtc.NewLink(rtc.DefaultConfig(), remote)
		},
	}, client)

	coord.OnRemoteTrack = func(peer domain.UserID, track mesh.RemoteTrack) {
		log.Info().Str("peer", string(peer)).Str("kind", track.Kind().String()).Msg("remote stream")
	}
	coord.OnPeerClosed = func(peer domain.UserID) {
		log.Info().Str("peer", string(peer)).Msg("peer link closed")
	}

	if err := coord.Join(); err != nil {
		log.Fatal().Err(err).Msg("join")
	}
	log.Info().Str("room", key.String()).Msg("joined mesh")

	go func() {
		if err := client.Run(ctx, coord); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("signaling connection lost")
			cancel()
		}
	}()

	<-ctx.Done()
	if err := coord.Leave(); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
	log.Info().Msg("left mesh")
}
