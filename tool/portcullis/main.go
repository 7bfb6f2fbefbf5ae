/*
Copyright 2026 Pawel Mojski.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/service"
)

var log = logrus.WithFields(logrus.Fields{
	portcullis.Component: portcullis.ComponentService,
})

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error(trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("portcullis", "Protocol-terminating SSH and RDP jump host.")
	configPath := app.Flag("config", "Path to a YAML configuration file.").
		Short('c').Default("/etc/portcullis.yaml").String()
	debug := app.Flag("debug", "Verbose logging to stdout.").Short('d').Bool()

	startCmd := app.Command("start", "Start the jump host daemon.")
	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return onStart(*configPath, *debug)
	case versionCmd.FullCommand():
		fmt.Printf("Portcullis v%v\n", portcullis.Version)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

func onStart(configPath string, debug bool) error {
	fc, err := service.ReadConfigFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	var cfg service.Config
	if err := service.ApplyFileConfig(fc, &cfg); err != nil {
		return trace.Wrap(err)
	}
	// The debug flag wins over whatever the file configured.
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	svc, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(svc.Run(ctx))
}
