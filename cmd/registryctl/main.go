package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"
)

type metadata struct {
	url     string
	verbose bool
	w       io.Writer
	e       io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "registryctl"
	app.Usage = "operate a metaprofile registry over its HTTP API"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "url, u",
			Value:  "http://localhost:8080",
			Usage:  " registry API base `URL`",
			EnvVar: "METAPROFILE_API_URL",
		},
		cli.StringFlag{
			Name:   "key, k",
			Usage:  " hex secp256k1 private `KEY` used to sign in",
			EnvVar: "METAPROFILE_PRIVATE_KEY",
		},
		cli.StringFlag{
			Name:   "token, t",
			Usage:  " reuse a bearer `TOKEN` instead of signing a new challenge",
			EnvVar: "METAPROFILE_TOKEN",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 0,
			Usage: " per command `TIMEOUT` [10s]",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
	}

	idFlag := cli.Uint64Flag{Name: "id", Usage: "*asset `ID`"}
	subleaseFlag := cli.BoolFlag{Name: "sublease, s", Usage: " allow the lessee to sublease"}

	app.Commands = []cli.Command{
		{
			Name:   "keygen",
			Usage:  "generate a new private key and print its address",
			Action: runKeygen,
		},
		{
			Name:   "login",
			Usage:  "sign a challenge and print the issued token",
			Action: runLogin,
		},
		{
			Name:   "mint",
			Usage:  "mint a new asset owned by the signer",
			Flags:  []cli.Flag{subleaseFlag},
			Action: runMint,
		},
		{
			Name:   "remint",
			Usage:  "replace an asset with a new id and sublease flag",
			Flags:  []cli.Flag{idFlag, subleaseFlag},
			Action: runRemint,
		},
		{
			Name:   "burn",
			Usage:  "destroy an asset",
			Flags:  []cli.Flag{idFlag},
			Action: runBurn,
		},
		{
			Name:  "lease",
			Usage: "lease an asset until a unix time or for a duration",
			Flags: []cli.Flag{
				idFlag,
				cli.StringFlag{Name: "to", Usage: "*lessee `ADDRESS`"},
				cli.Int64Flag{Name: "expires", Usage: "+expiry as unix `SECONDS`"},
				cli.DurationFlag{Name: "for", Usage: "+lease `DURATION` from now"},
			},
			Action: runLease,
		},
		{
			Name:  "sublease",
			Usage: "move the remaining lease term to another holder",
			Flags: []cli.Flag{
				idFlag,
				cli.StringFlag{Name: "from", Usage: " current holder `ADDRESS` [signer]"},
				cli.StringFlag{Name: "to", Usage: "*new holder `ADDRESS`"},
			},
			Action: runSublease,
		},
		{
			Name:  "approve",
			Usage: "approve or revoke an operator for all of the signer's assets",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "operator, o", Usage: "*operator `ADDRESS`"},
				cli.BoolFlag{Name: "revoke, r", Usage: " revoke instead of approve"},
			},
			Action: runApprove,
		},
		{
			Name:   "asset",
			Usage:  "show an asset and its lease",
			Flags:  []cli.Flag{idFlag},
			Action: runAsset,
		},
		{
			Name:  "expiry",
			Usage: "show the lease expiry of an asset",
			Flags: []cli.Flag{
				idFlag,
				cli.StringFlag{Name: "holder", Usage: " expiry recorded for `ADDRESS`"},
			},
			Action: runExpiry,
		},
		{
			Name:  "owned",
			Usage: "list the assets of an owner",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "owner", Usage: " owner `ADDRESS` [signer]"},
			},
			Action: runOwned,
		},
		{
			Name:   "supply",
			Usage:  "print the number of live assets",
			Action: runSupply,
		},
		{
			Name:   "uri",
			Usage:  "print the metadata URI of an asset",
			Flags:  []cli.Flag{idFlag},
			Action: runURI,
		},
		{
			Name:  "set-base-uri",
			Usage: "change the metadata base URI (admin only)",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "uri", Usage: "*base `URI`"},
			},
			Action: runSetBaseURI,
		},
		{
			Name:   "smoke",
			Usage:  "run a mint, lease and sublease round trip with fresh keys",
			Action: runSmoke,
		},
	}

	app.Before = func(c *cli.Context) error {
		c.App.Metadata = map[string]interface{}{
			"config": &metadata{
				url:     c.GlobalString("url"),
				verbose: c.GlobalBool("verbose"),
				w:       c.App.Writer,
				e:       c.App.ErrWriter,
			},
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "registryctl: %s\n", err)
		os.Exit(1)
	}
}
