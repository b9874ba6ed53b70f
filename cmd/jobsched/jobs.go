package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/jobs"
)

var (
	submitType     string
	submitDuration int64

	updateContent  string
	updateType     string
	updateDuration int64
)

var submitCmd = &cobra.Command{
	Use:   "submit <content>",
	Short: "Queue a new job on the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProducer(func(p *app.Producer) error {
			j, err := p.Jobs.Create(cmd.Context(), jobs.CreateRequest{
				Content:      args[0],
				ScheduleType: submitType,
				Duration:     submitDuration,
			})
			if err != nil {
				return err
			}
			return printJSON(j)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace fields of a dispatched job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req jobs.UpdateRequest
		if cmd.Flags().Changed("content") {
			req.Content = &updateContent
		}
		if cmd.Flags().Changed("type") {
			req.ScheduleType = &updateType
		}
		if cmd.Flags().Changed("duration") {
			req.Duration = &updateDuration
		}
		return withProducer(func(p *app.Producer) error {
			j, err := p.Jobs.Update(cmd.Context(), strings.TrimSpace(args[0]), req)
			if err != nil {
				return err
			}
			return printJSON(j)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Stop and remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProducer(func(p *app.Producer) error {
			id := strings.TrimSpace(args[0])
			if err := p.Jobs.Delete(cmd.Context(), id); err != nil {
				return err
			}
			return printJSON(map[string]any{"id": id, "deleted": true})
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a job's stored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProducer(func(p *app.Producer) error {
			j, err := p.Jobs.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(j)
		})
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitType, "type", "t", "OneShot", "schedule type: OneShot or Repeated")
	submitCmd.Flags().Int64VarP(&submitDuration, "duration", "d", 1, "delay or period, in duration units")

	updateCmd.Flags().StringVar(&updateContent, "content", "", "new content")
	updateCmd.Flags().StringVarP(&updateType, "type", "t", "", "new schedule type")
	updateCmd.Flags().Int64VarP(&updateDuration, "duration", "d", 0, "new duration")
}

func withProducer(fn func(p *app.Producer) error) error {
	p, err := app.OpenProducer(cfgPath)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
