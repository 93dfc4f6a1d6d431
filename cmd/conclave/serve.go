package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/cors"
	"github.com/urfave/cli/v3"

	"github.com/conclave-mpc/conclave/protocol"
	"github.com/conclave-mpc/conclave/relay"
)

type Settings struct {
	Port    string `envconfig:"PORT" default:"6363"`
	KeyFile string `envconfig:"KEY_FILE" default:"relay.pem"`

	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"5m"`
	MeetingTTL    time.Duration `envconfig:"MEETING_TTL" default:"15m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"15s"`
}

var s Settings

var serve = &cli.Command{
	Name:  "serve",
	Usage: "starts the relay",
	Action: func(ctx context.Context, c *cli.Command) error {
		if err := envconfig.Process("", &s); err != nil {
			return fmt.Errorf("couldn't process envconfig: %w", err)
		}

		pemData, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("couldn't read %s (run `conclave keypair` to create one): %w", s.KeyFile, err)
		}
		kp, err := protocol.DecodeKeypairPEM(pemData)
		if err != nil {
			return fmt.Errorf("invalid keypair in %s: %w", s.KeyFile, err)
		}

		rs := relay.NewServer(kp, relay.Config{
			SessionTTL:    s.SessionTTL,
			MeetingTTL:    s.MeetingTTL,
			SweepInterval: s.SweepInterval,
		}, log)

		sweepCtx, cancelSweep := context.WithCancel(ctx)
		defer cancelSweep()
		go rs.Run(sweepCtx)

		log.Info().
			Str("public_key", hex.EncodeToString(rs.PublicKey())).
			Msg("listening at http://0.0.0.0:" + s.Port)
		server := &http.Server{
			Addr:    "0.0.0.0:" + s.Port,
			Handler: cors.AllowAll().Handler(rs),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("")
			}
		}()

		sc := make(chan os.Signal, 1)
		signal.Notify(sc, os.Interrupt)
		<-sc
		return server.Close()
	},
}
