package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/conclave-mpc/conclave/protocol"
)

var keypair = &cli.Command{
	Name:  "keypair",
	Usage: "generates a transport keypair",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "file to write the PEM-encoded keypair to, stdout if empty",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		kp, err := protocol.GenerateKeypair()
		if err != nil {
			return fmt.Errorf("failed to generate keypair: %w", err)
		}

		if out := c.String("out"); out != "" {
			if err := os.WriteFile(out, kp.EncodePEM(), 0600); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Println("public key:", hex.EncodeToString(kp.Public[:]))
			return nil
		}

		os.Stdout.Write(kp.EncodePEM())
		fmt.Fprintln(os.Stderr, "public key:", hex.EncodeToString(kp.Public[:]))
		return nil
	},
}
