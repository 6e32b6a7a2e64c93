// Copyright 2025 VeloxVOIP.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/gateway"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models/openai"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/relay"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/service"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/tools"
	"github.com/NikolasSpotzy/pelagos-voice-agent/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "voicerelay",
		Usage:       "Voice relay",
		Version:     version.Version,
		Description: "Relays phone calls to a realtime speech model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "voice relay yaml config file",
				Sources: cli.EnvVars("VOICERELAY_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "voice relay yaml config body",
				Sources: cli.EnvVars("VOICERELAY_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if config.IsConfigError(err) {
			fmt.Println("invalid configuration:", err)
		} else {
			fmt.Println(err)
		}
		os.Exit(1)
	}
}

func runService(_ context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	mon := stats.NewMonitor(conf.MaxConcurrentCalls)

	toolReg := tools.NewRegistry(log.WithComponent("tools"))
	if err = tools.RegisterRestaurant(toolReg, nil); err != nil {
		return err
	}

	calls := gateway.NewRegistry(log, conf.MaxTrackedCalls, conf.CallInactivityTimeout)
	getModel := openai.NewRealtimeModelFunc(openai.WithModelConfig(&conf.Model))
	rl := relay.New(log, conf, getModel, toolReg, calls, relay.WithMonitor(mon))

	provider := gateway.NewTelnyxClient(log, &conf.Telnyx)
	gw := gateway.NewGateway(log, conf, calls, provider, rl)

	check := func(ctx context.Context) error {
		return openai.CheckConnection(ctx, &conf.Model)
	}
	svc, err := service.NewService(conf, log, rl, gw, check, mon)
	if err != nil {
		return err
	}

	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, finishing all calls then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, dropping all calls and shutting down", "signal", sig)
			svc.Stop(true)
		}
	}()

	return svc.Run()
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	// an empty body is valid: credentials and defaults come from the environment
	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
