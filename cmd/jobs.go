package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/report"
	"github.com/sells-group/outreach-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create, run, and inspect outreach jobs",
}

// dispatchFunc adapts a function to intake.Dispatcher.
type dispatchFunc func(ctx context.Context, jobID string) error

func (f dispatchFunc) Dispatch(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// -- jobs create --

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a job for a campaign stage",
	Long:  "Records a started job. With --run the job is executed in the foreground; otherwise run it later with 'jobs run <id>'.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req := jobRequestFromFlags(cmd)
		runNow, _ := cmd.Flags().GetBool("run")

		var (
			st store.Store
			d  intake.Dispatcher = dispatchFunc(func(context.Context, string) error { return nil })
		)
		if runNow {
			env, err := initApp(ctx, "run")
			if err != nil {
				return err
			}
			defer env.Close()
			st = env.Store
			d = dispatchFunc(env.Engine.Run)
		} else {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck
			st = s
		}

		job, err := intake.NewService(st, d).CreateJob(ctx, req)
		if err != nil {
			return eris.Wrap(err, "jobs create")
		}

		if runNow {
			if job, err = st.GetJob(context.WithoutCancel(ctx), job.ID); err != nil {
				return eris.Wrap(err, "jobs create")
			}
			printJobSummary(os.Stdout, job)
			return nil
		}
		fmt.Println(job.ID)
		return nil
	},
}

// jobRequestFromFlags builds the intake request from the create flags.
// Range checks are left to intake.Request.Validate.
func jobRequestFromFlags(cmd *cobra.Command) intake.Request {
	campaign, _ := cmd.Flags().GetString("campaign")
	stage, _ := cmd.Flags().GetInt("stage")
	total, _ := cmd.Flags().GetInt("total")
	batch, _ := cmd.Flags().GetInt("batch")
	return intake.Request{CampaignID: campaign, MessageStage: stage, TotalMessages: total, BatchSize: batch}
}

// -- jobs run --

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Execute a recorded job in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.Run(ctx, args[0]); err != nil {
			return err
		}

		job, err := env.Store.GetJob(context.WithoutCancel(ctx), args[0])
		if err != nil {
			return eris.Wrap(err, "jobs run")
		}
		printJobSummary(os.Stdout, job)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs export --

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's outcome and its campaign's leads to an xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs export")
		}
		leads, err := st.ListLeads(ctx, store.LeadFilter{CampaignID: job.CampaignID})
		if err != nil {
			return eris.Wrap(err, "jobs export: list leads")
		}

		if out == "" {
			out = job.ID + ".xlsx"
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "jobs export: create file")
		}
		if err := report.WriteJobXLSX(f, job, leads); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "jobs export: close file")
		}

		fmt.Printf("Wrote %s (%d leads)\n", out, len(leads))
		return nil
	},
}

func init() {
	jobsCreateCmd.Flags().String("campaign", "", "campaign id")
	jobsCreateCmd.Flags().Int("stage", 0, "message stage to send (1-based)")
	jobsCreateCmd.Flags().Int("total", 0, "maximum leads to contact")
	jobsCreateCmd.Flags().Int("batch", 0, "leads between batch pauses (default 5)")
	jobsCreateCmd.Flags().Bool("run", false, "execute the job in the foreground")
	_ = jobsCreateCmd.MarkFlagRequired("campaign")

	jobsExportCmd.Flags().StringP("out", "o", "", "output path (default <job-id>.xlsx)")

	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsExportCmd)
	rootCmd.AddCommand(jobsCmd)
}

// printJobSummary writes a short human-readable job outcome to w.
func printJobSummary(w io.Writer, job *model.Job) {
	_, _ = fmt.Fprintf(w, "Job %s: %s (progress %.0f%%)\n", job.ID, job.Status, job.Progress*100)
	if r := job.Result; r != nil {
		if r.Message != "" {
			_, _ = fmt.Fprintln(w, r.Message)
		}
		for _, fl := range r.FailedLeads {
			_, _ = fmt.Fprintf(w, "  failed %s: %s\n", fl.LeadID, fl.Reason)
		}
	}
	if job.Error != "" {
		_, _ = fmt.Fprintf(w, "Error (%s): %s\n", job.ErrorCategory, job.Error)
	}
}
