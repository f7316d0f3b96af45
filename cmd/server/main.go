package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/atriumrtc/atrium-server/pkg/config"
	"github.com/atriumrtc/atrium-server/pkg/logger"
	"github.com/atriumrtc/atrium-server/pkg/media"
	"github.com/atriumrtc/atrium-server/pkg/service"
	"github.com/atriumrtc/atrium-server/pkg/telemetry/prometheus"
	"github.com/atriumrtc/atrium-server/pkg/utils"
	"github.com/atriumrtc/atrium-server/version"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to Atrium config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "Atrium config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"ATRIUM_CONFIG"},
	},
	&cli.UintFlag{
		Name:  "port",
		Usage: "port to listen on",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter. insecure for production",
	},
}

func main() {
	app := &cli.App{
		Name:        "atrium-server",
		Usage:       "WebRTC conference signaling server",
		Description: "run without subcommands to start the server",
		Flags:       baseFlags,
		Action:      startServer,
		Version:     version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return nil, err
	}
	logger.InitFromConfig(conf.Logging.Level, conf.Development)

	if conf.Development {
		logger.Infow("starting in development mode")
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{"127.0.0.1", "[::1]"}
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init(utils.NewGuid("ND_"))

	engine := media.NewNullEngine()
	roomManager := service.NewRoomManager(conf.Room, engine)
	rtcService := service.NewRTCService(conf, roomManager)
	server := service.NewAtriumServer(conf, rtcService, roomManager, engine)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}
