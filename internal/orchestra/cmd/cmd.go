// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package cmd holds the cobra commands of the orchestra binary.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/config"
	"github.com/innovationmech/orchestra/pkg/logger"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configFile  string
	environment string
	workDir     string

	options config.Options
	config  *config.AppConfig
	manager *config.Manager
}

// loadConfig reads the layered configuration and applies the logging section
// to the global logger.
func (o *rootOptions) loadConfig() error {
	options := config.DefaultOptions()
	options.EnvironmentName = o.environment
	if o.workDir != "" {
		options.WorkDir = o.workDir
	}
	cfg, m, err := config.Load(options, o.configFile)
	if err != nil {
		return err
	}
	o.options, o.config, o.manager = options, cfg, m

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return err
	}
	logger.GetLogger().Debug("Configuration loaded",
		zap.String("file", o.configFile),
		zap.String("environment", o.environment))
	return nil
}

// NewRootCommand creates the orchestra command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "orchestra",
		Short: "Saga orchestration with a background job queue",
		Long: `orchestra drives multi-step business workflows as sagas. Completed steps
are compensated in reverse order when a later step fails, and follow-up work
such as notifications runs on a priority job queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "explicit configuration file merged over the layered files")
	flags.StringVarP(&opts.environment, "env", "e", "", "environment name, selects orchestra.<env>.yaml")
	flags.StringVar(&opts.workDir, "workdir", "", "directory holding the configuration files (default \".\")")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}
