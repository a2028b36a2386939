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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/orchestra"
	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/saga"
)

const pollInterval = 20 * time.Millisecond

type runOptions struct {
	data          string
	correlationID string
	timeout       time.Duration
	noColor       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run one saga to completion and print the final instance",
		Example: `  orchestra run employee_registration \
    --data '{"employeeData":{"email":"ada@example.com","name":"Ada Lovelace"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.loadConfig(); err != nil {
				return err
			}
			if opts.noColor {
				color.NoColor = true
			}
			return runSaga(cmd.Context(), root, opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.data, "data", "d", "{}", "initial saga data as a JSON object")
	flags.StringVar(&opts.correlationID, "correlation-id", "", "correlation id (default a random uuid)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for a terminal status")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored status output")
	return cmd
}

func runSaga(ctx context.Context, root *rootOptions, opts *runOptions, definitionID string, out, status io.Writer) error {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(opts.data), &data); err != nil {
		return fmt.Errorf("--data must be a JSON object: %w", err)
	}
	correlationID := opts.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	log := logger.GetLogger()
	app, err := orchestra.New(ctx, root.config, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("Shutdown finished with errors", zap.Error(err))
		}
	}()

	id, err := app.Sagas.StartSaga(ctx, definitionID, correlationID, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	inst, err := waitForTerminal(ctx, app.Sagas, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(inst); err != nil {
		return err
	}
	printSummary(status, inst)
	if inst.Status != saga.StatusCompleted {
		return fmt.Errorf("saga %s finished with status %s", inst.ID, inst.Status)
	}
	return nil
}

func statusColor(s saga.Status) *color.Color {
	switch s {
	case saga.StatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case saga.StatusCompensated:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printSummary(w io.Writer, inst *saga.Instance) {
	fmt.Fprintf(w, "%s %s (%s)", statusColor(inst.Status).Sprint(inst.Status), inst.ID, inst.DefinitionID)
	if len(inst.CompensatedSteps) > 0 {
		fmt.Fprintf(w, " compensated: %v", inst.CompensatedSteps)
	}
	if inst.Error != "" {
		fmt.Fprintf(w, "\n  %s", color.RedString(inst.Error))
	}
	fmt.Fprintln(w)
}

func waitForTerminal(ctx context.Context, sagas *saga.Manager, id string) (*saga.Instance, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		inst, err := sagas.GetSagaStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("saga %s still %s: %w", id, inst.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
