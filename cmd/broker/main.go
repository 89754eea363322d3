/*
Copyright 2021 Gravitational, Inc.

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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/manifoldco/promptui"

	"github.com/privatedatabroker/broker/internal/broker"
	"github.com/privatedatabroker/broker/internal/session"
	"github.com/privatedatabroker/broker/lib"
	"github.com/privatedatabroker/broker/lib/logger"
)

const defaultConfigPath = "/etc/pdb-broker.toml"

func main() {
	logger.Init()
	app := kingpin.New("pdb-broker", "Private data broker service.")

	app.Command("version", "Prints pdb-broker version and exits.")

	configureCmd := app.Command("configure", "Prints an example .TOML configuration file, or seeds credentials.")
	seed := configureCmd.Flag("seed-credentials", "Interactively seed the encrypted credential blob").Bool()
	seedPath := configureCmd.Flag("config", "TOML config file path").
		Short('c').
		Default(defaultConfigPath).
		String()

	startCmd := app.Command("start", "Starts the private data broker.")
	path := startCmd.Flag("config", "TOML config file path").
		Short('c').
		Default(defaultConfigPath).
		String()
	debug := startCmd.Flag("debug", "Enable verbose (debug-level) logging").
		Short('d').
		Bool()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "version":
		lib.PrintVersion(app.Name, Version, Gitref)
	case "configure":
		if *seed {
			if err := seedCredentials(*seedPath); err != nil {
				lib.Bail(err)
			}
		} else {
			fmt.Print(exampleConfig)
		}
	case "start":
		if err := run(*path, *debug); err != nil {
			lib.Bail(err)
		} else {
			logger.Standard().Info("Successfully shut down")
		}
	}
}

func run(configPath string, debug bool) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	logConfig := conf.Log
	if debug {
		logConfig.Severity = "debug"
	}
	if err := logger.Setup(logConfig); err != nil {
		return trace.Wrap(err)
	}
	if debug {
		logger.Standard().Debugf("DEBUG logging enabled")
	}

	b, err := broker.New(*conf, Version)
	if err != nil {
		return trace.Wrap(err)
	}

	go lib.ServeSignals(b, 15*time.Second)

	return trace.Wrap(b.Run(context.Background()))
}

// seedCredentials drives the one-time "configuration interface" of spec.md
// §3: prompt for a passphrase and the upstream API credentials, then
// persist the encrypted blob the session manager later decrypts on unlock.
func seedCredentials(configPath string) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	b, err := broker.New(*conf, Version)
	if err != nil {
		return trace.Wrap(err)
	}

	if already, err := b.HasCredentials(); err != nil {
		return trace.Wrap(err)
	} else if already {
		return trace.BadParameter("credentials are already configured at %v", conf.Store.PersistentDir)
	}

	passphrase, err := (&promptui.Prompt{
		Label: "Passphrase",
		Mask:  '*',
	}).Run()
	if err != nil {
		return trace.Wrap(err)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Credentials JSON ({\"apiKey\":..., \"appId\":...}): ")
	credsLine, err := reader.ReadString('\n')
	if err != nil {
		return trace.Wrap(err)
	}

	var creds session.Credentials
	if err := json.Unmarshal([]byte(strings.TrimSpace(credsLine)), &creds); err != nil {
		return trace.Wrap(err, "malformed credentials JSON")
	}

	return trace.Wrap(b.Configure(strings.TrimSpace(passphrase), creds))
}
