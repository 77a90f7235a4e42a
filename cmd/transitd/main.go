package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "time/tzdata"

	"transit-predictor/internal/config"
)

func main() {
	if os.Getenv("LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "YES" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	gtfsFlag := &cli.StringFlag{
		Name:  "gtfs",
		Usage: "path to a GTFS static zip, overrides GTFS_STATIC_PATH",
	}

	app := &cli.App{
		Name:  "transitd",
		Usage: "live arrival and trip time predictions for a transit network",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run ingest and the HTTP query server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "listen target for the web server, overrides LISTEN_ADDR",
					},
					gtfsFlag,
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if listen := c.String("listen"); listen != "" {
						cfg.ListenAddr = listen
					}
					return serve(c.Context, cfg)
				},
			},
			{
				Name:  "routes",
				Usage: "load the route network and print a summary per route variant",
				Flags: []cli.Flag{gtfsFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return printRoutes(c.Context, cfg, c.App.Writer)
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if path := c.String("gtfs"); path != "" {
		cfg.GTFSStaticPath = path
	}
	if err := cfg.CheckReference(); err != nil {
		return nil, err
	}
	return cfg, nil
}
