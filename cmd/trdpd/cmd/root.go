/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/session"
)

// RootCmd is trdpd's single command: load configuration, open a session,
// and run its process loop until signaled.
var RootCmd = &cobra.Command{
	Use:   "trdpd",
	Short: "Standalone TRDP session daemon",
	RunE:  run,
}

var (
	configFlag     string
	dictionaryFlag string
	verboseFlag    bool
)

func init() {
	RootCmd.Flags().StringVar(&configFlag, "config", "/etc/trdpd/config.yaml", "path to the session YAML config")
	RootCmd.Flags().StringVar(&dictionaryFlag, "dictionary", "/etc/trdpd/dictionary.yaml", "path to the dataset dictionary YAML")
	RootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose output")
}

// Execute is the main entry point for the CLI interface.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := session.ReadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", configFlag, err)
	}
	dict, err := dataset.LoadDictionaryYAML(dictionaryFlag)
	if err != nil {
		return fmt.Errorf("reading dictionary %s: %w", dictionaryFlag, err)
	}

	s, err := session.Open(cfg, dict)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer s.Close()

	log.Infof("trdpd: session open on %s (PD :%d, MD :%d)", cfg.Interface.Name, cfg.PDPort, cfg.MDPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Infof("trdpd: received %s, shutting down", sig)
			return nil
		default:
		}

		now := time.Now()
		s.Process(now)
		wait := s.GetInterval(now)
		if wait <= 0 {
			continue
		}
		select {
		case <-time.After(wait):
		case sig := <-sigCh:
			log.Infof("trdpd: received %s, shutting down", sig)
			return nil
		}
	}
}
