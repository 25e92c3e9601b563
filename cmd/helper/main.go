package main

import (
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/haileyok/mal-oauth-golang/internal/helpers"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "MAL Oauth Golang Helper",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateKey,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateKey = &cli.Command{
	Name:  "generate-key",
	Usage: "generate a random ENCRYPTION_KEY for session cookies",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "write the key to this file instead of stdout",
		},
		&cli.IntFlag{
			Name:  "bytes",
			Value: 32,
		},
	},
	Action: func(cmd *cli.Context) error {
		n := cmd.Int("bytes")
		if n < 16 {
			return fmt.Errorf("key needs at least 16 random bytes")
		}

		key, err := helpers.GenerateToken(n)
		if err != nil {
			return err
		}

		out := cmd.String("out")
		if out == "" {
			fmt.Fprintln(cmd.App.Writer, key)
			return nil
		}

		if err := os.WriteFile(out, []byte("ENCRYPTION_KEY="+key+"\n"), 0600); err != nil {
			return err
		}

		return nil
	},
}
