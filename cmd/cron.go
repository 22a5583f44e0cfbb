package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opengate-ai/opengate/internal/cron"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

func cronCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	c.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronToggleCmd(), cronRunCmd(), cronRunsCmd())
	return c
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Jobs []cron.Job `json:"jobs"`
			}
			if err := client.CallInto(protocol.MethodCronList, nil, &out); err != nil {
				return err
			}
			if len(out.Jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range out.Jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-8s  %-20s  %s\n", j.ID, state, j.Name, describeSchedule(j.Schedule))
			}
			return nil
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleCron:
		if s.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.Timezone)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	}
	return s.Kind
}

func cronAddCmd() *cobra.Command {
	var (
		name       string
		at         string
		every      time.Duration
		expr       string
		timezone   string
		message    string
		prompt     string
		model      string
		channel    string
		target     string
		bestEffort bool
		isolated   bool
	)
	c := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Long:  "Add a job with exactly one of --at, --every, or --cron, and exactly one of --message (deliver text verbatim) or --prompt (run an agent turn).",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := cron.Job{Name: name, Enabled: true}

			switch {
			case at != "":
				ts, err := parseAt(at)
				if err != nil {
					return err
				}
				job.Schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: ts.UnixMilli()}
			case every > 0:
				job.Schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: every.Milliseconds()}
			case expr != "":
				job.Schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: expr, Timezone: timezone}
			default:
				return fmt.Errorf("one of --at, --every, or --cron is required")
			}

			switch {
			case message != "":
				job.Payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: message}
			case prompt != "":
				job.Payload = cron.Payload{Kind: cron.PayloadAgentTurn, Prompt: prompt, Model: model}
			default:
				return fmt.Errorf("one of --message or --prompt is required")
			}

			if channel != "" {
				if target == "" {
					return fmt.Errorf("--target is required with --channel")
				}
				job.Delivery = &cron.Delivery{Channel: channel, Target: target, BestEffort: bestEffort}
			}
			if isolated {
				job.SessionTarget = cron.TargetIsolated
			}

			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				ID string `json:"id"`
			}
			if err := client.CallInto(protocol.MethodCronAdd, map[string]any{"job": &job}, &out); err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", out.ID, describeSchedule(job.Schedule))
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "job name")
	c.Flags().StringVar(&at, "at", "", "fire once at RFC3339 time, or +duration from now (e.g. +30m)")
	c.Flags().DurationVar(&every, "every", 0, "fire on a fixed interval")
	c.Flags().StringVar(&expr, "cron", "", "fire on a cron expression")
	c.Flags().StringVar(&timezone, "tz", "", "IANA timezone for --cron (default UTC)")
	c.Flags().StringVar(&message, "message", "", "deliver this text verbatim")
	c.Flags().StringVar(&prompt, "prompt", "", "run an agent turn with this prompt")
	c.Flags().StringVar(&model, "model", "", "model override for --prompt")
	c.Flags().StringVar(&channel, "channel", "", "deliver output to this channel")
	c.Flags().StringVar(&target, "target", "", "delivery target (chat/user id)")
	c.Flags().BoolVar(&bestEffort, "best-effort", false, "log delivery failures instead of failing the run")
	c.Flags().BoolVar(&isolated, "isolated", false, "run each fire in a fresh session")
	return c
}

func parseAt(s string) (time.Time, error) {
	if len(s) > 0 && s[0] == '+' {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at offset %q: %w", s, err)
		}
		return time.Now().Add(d), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at time %q (want RFC3339 or +duration): %w", s, err)
	}
	return ts, nil
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			if _, err := client.Call(protocol.MethodCronRemove, map[string]any{"id": args[0]}); err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}
}

func cronToggleCmd() *cobra.Command {
	var enable, disable bool
	c := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable == disable {
				return fmt.Errorf("exactly one of --enable or --disable is required")
			}
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			params := map[string]any{"id": args[0], "enabled": enable}
			if _, err := client.Call(protocol.MethodCronToggle, params); err != nil {
				return err
			}
			if enable {
				fmt.Println("enabled", args[0])
			} else {
				fmt.Println("disabled", args[0])
			}
			return nil
		},
	}
	c.Flags().BoolVar(&enable, "enable", false, "enable the job")
	c.Flags().BoolVar(&disable, "disable", false, "disable the job")
	return c
}

func cronRunCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			params := map[string]any{"id": args[0]}
			if force {
				params["mode"] = "force"
			}
			var out struct {
				Ran bool `json:"ran"`
			}
			if err := client.CallInto(protocol.MethodCronRun, params, &out); err != nil {
				return err
			}
			if out.Ran {
				fmt.Println("fired", args[0])
			} else {
				fmt.Println("not due; use --force to fire anyway")
			}
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "fire even if the job is disabled")
	return c
}

func cronRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <id>",
		Short: "Show recent run history for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Entries []cron.RunRecord `json:"entries"`
			}
			err = client.CallInto(protocol.MethodCronRuns, map[string]any{"id": args[0]}, &out)
			if err != nil {
				return err
			}
			if len(out.Entries) == 0 {
				fmt.Println("no runs")
				return nil
			}
			for _, r := range out.Entries {
				line := fmt.Sprintf("%s  %-8s  %6dms", time.UnixMilli(r.TS).Format(time.RFC3339), r.Status, r.DurationMs)
				if r.Error != "" {
					line += "  " + r.Error
				} else if r.Summary != "" {
					line += "  " + r.Summary
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
