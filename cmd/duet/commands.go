package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"duet/cmd/internal/app"
	"duet/cmd/internal/profile"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API and realtime gateway",
		Action: func(c *cli.Context) error {
			return app.Run(c.String("config"))
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an access token for a participant (development)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "participant",
				Aliases:  []string{"p"},
				Usage:    "Participant `ID` placed in the token subject",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := app.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			tm, err := app.TokenManager(c.Context, cfg)
			if err != nil {
				return err
			}
			tok, exp, err := tm.Issue(c.String("participant"), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			fmt.Fprintf(c.App.ErrWriter, "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
}

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "Manage participant profiles (Postgres only)",
		Subcommands: []*cli.Command{
			{
				Name:  "put",
				Usage: "Create or replace a profile",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Participant `ID`", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Display `NAME`", Required: true},
					&cli.StringFlag{Name: "avatar", Usage: "Avatar `URL`"},
					&cli.StringFlag{Name: "role", Usage: "Role label"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := app.LoadConfig(c.String("config"))
					if err != nil {
						return err
					}
					log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

					ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
					defer cancel()

					return app.PutProfile(ctx, cfg, log, profile.Profile{
						ID:        c.String("id"),
						Name:      c.String("name"),
						AvatarURL: c.String("avatar"),
						Role:      c.String("role"),
					})
				},
			},
		},
	}
}
