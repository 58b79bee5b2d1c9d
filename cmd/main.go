/*
Copyright 2024 Blnk Finance Authors.

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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reelflow/reelflow"
	"github.com/reelflow/reelflow/config"
	"github.com/reelflow/reelflow/database"
	"github.com/reelflow/reelflow/internal/notification"
)

// Reelflow represents the CLI application, encapsulating the root Cobra command.
type Reelflow struct {
	cmd *cobra.Command // Root command for the CLI application
}

// reelflowInstance holds the pipeline and its configuration for the
// commands that need them.
type reelflowInstance struct {
	reelflow *reelflow.Reelflow
	cnf      *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any command runs.
func preRun(app *reelflowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup connects the datasource and builds the pipeline. Commands that only
// touch the schema skip it.
func (app *reelflowInstance) setup() {
	if app.reelflow != nil {
		return
	}
	r, err := setupReelflow(app.cnf)
	if err != nil {
		notification.NotifyError(err)
		log.Fatal(err)
	}
	app.reelflow = r
}

// setupReelflow creates a Reelflow instance on the configured datasource.
func setupReelflow(cfg *config.Configuration) (*reelflow.Reelflow, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	r, err := reelflow.NewReelflow(db)
	if err != nil {
		return nil, fmt.Errorf("error creating reelflow: %v", err)
	}
	return r, nil
}

// NewCLI creates the command-line interface with its subcommands.
func NewCLI() *Reelflow {
	var configFile string
	b := &reelflowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "reelflow",
		Short: "Multi-brand content video pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./reelflow.json", "Configuration file for reelflow")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(reconcileCommands(b))
	rootCmd.AddCommand(cleanupCommands(b))
	rootCmd.AddCommand(configCommands(b))

	return &Reelflow{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Reelflow) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
