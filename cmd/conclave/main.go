package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

var log = zerolog.New(os.Stderr).Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

func main() {
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Msgf("%s", err)
		os.Exit(1)
	}
}

var app = &cli.Command{
	Name:  "conclave",
	Usage: "untrusted relay for round-based threshold protocols",
	Commands: []*cli.Command{
		serve,
		keypair,
	},
}
