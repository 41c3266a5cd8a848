package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Fabsim/internal/client"
	"github.com/CZERTAINLY/Fabsim/internal/export"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run <flow.yaml>",
	Short: "run executes a process flow on a fabsim server and prints the result",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <task>",
	Short: "status prints the status of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  doStatus,
}

// Flow is a process flow file: a wafer and the steps applied to it.
type Flow struct {
	Name   string                `yaml:"name"`
	Config model.SimulatorConfig `yaml:"config"`
	Steps  []model.StepSpec      `yaml:"steps"`
}

func readFlow(r io.Reader) (Flow, error) {
	var flow Flow
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&flow); err != nil {
		return Flow{}, fmt.Errorf("parsing flow: %w", err)
	}
	if len(flow.Steps) == 0 {
		return Flow{}, model.Invalid("steps", nil, model.ConstraintRequired, nil, "a flow needs at least one step")
	}
	return flow, nil
}

func newClient() (*client.Client, error) {
	return client.New(viper.GetString("server.url"))
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, err := export.ParseFormat(viper.GetString("run.format"))
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	flow, err := readFlow(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	keep := viper.GetBool("run.keep")
	run, err := c.RunSimple(ctx, flow.Config, flow.Steps, client.RunOptions{Flow: flow.Name, Wait: !keep})
	if err != nil {
		return err
	}
	if keep {
		// the simulator stays on the server
		fmt.Fprintf(cmd.ErrOrStderr(), "simulator: %s\n", run.SimulatorID)
		run.Status, err = c.WaitFor(ctx, run.Status.ID)
		if err != nil {
			return err
		}
	}
	slog.DebugContext(ctx, "flow finished", "task", run.Status.ID, "state", run.Status.State)
	if run.Status.State != model.TaskCompleted {
		return fmt.Errorf("task %s %s: %s", run.Status.ID, run.Status.State, run.Status.Error)
	}
	return c.Export(ctx, run.Status.ID, format, cmd.OutOrStdout())
}

func doStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	status, err := c.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
