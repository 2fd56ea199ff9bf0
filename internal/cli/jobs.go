package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oremus-labs/rife-worker/internal/jobs"
)

// Job mirrors the API job payload.
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Stage       string                 `json:"stage"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"maxAttempts"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Terminal reports whether the job will not change again without a retry.
func (j *Job) Terminal() bool {
	switch j.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// JobLogEntry mirrors one job log line.
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

func newJobsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect interpolation jobs",
	}

	var (
		limit  int
		status string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if status != "" {
				query.Set("status", status)
			}
			path := "/jobs"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var resp struct {
				Jobs []Job `json:"jobs"`
			}
			if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return o.render(out, resp.Jobs, func() {
				tw := newTable(out)
				fmt.Fprintf(tw, "ID\tSTATUS\tSTAGE\tPROGRESS\tATTEMPT\tUPDATED\n")
				for _, job := range resp.Jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d/%d\t%s\n",
						shortID(job.ID),
						job.Status,
						job.Stage,
						job.Progress,
						job.Attempt, job.MaxAttempts,
						relativeTime(job.UpdatedAt))
				}
				_ = tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to return")
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending|running|completed|failed|cancelled)")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Describe a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			job, err := fetchJob(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return o.render(out, job, func() { printJobDetails(out, job) })
		},
	}

	logs := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the log lines recorded for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			var resp struct {
				Logs []JobLogEntry `json:"logs"`
			}
			if err := client.GetJSON(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/logs", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return o.render(out, resp.Logs, func() {
				for _, entry := range resp.Logs {
					fmt.Fprintf(out, "%s %-5s %-14s %s\n", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Stage, entry.Message)
				}
			})
		},
	}

	var watchTimeout time.Duration
	watch := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream job progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if watchTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, watchTimeout)
				defer cancel()
			}
			return watchJob(ctx, cmd.OutOrStdout(), client, args[0])
		},
	}
	watch.Flags().DurationVar(&watchTimeout, "timeout", 0, "Stop watching after the specified duration (0 = wait forever)")

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJobAction(cmd, o, args[0], "cancel")
		},
	}
	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJobAction(cmd, o, args[0], "retry")
		},
	}

	cmd.AddCommand(list, get, logs, watch, cancel, retry)
	return cmd
}

func newSubmitCmd(o *rootOptions) *cobra.Command {
	var (
		req   jobs.Request
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an interpolation job to the API",
		Example: `  rifectl submit --video-url https://example.com/clip.mp4 --target-fps 120
  rifectl submit --video-path /workspace/in/clip.mp4 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := req.Validate(); err != nil {
				return err
			}
			client, err := o.client()
			if err != nil {
				return err
			}
			var resp struct {
				Status string `json:"status"`
				Job    *Job   `json:"job"`
			}
			if err := client.PostJSON(cmd.Context(), "/jobs", req, &resp); err != nil {
				return err
			}
			if resp.Job == nil {
				return errors.New("server returned no job")
			}
			out := cmd.OutOrStdout()
			if err := o.render(out, resp.Job, func() {
				fmt.Fprintf(out, "Job %s %s.\n", resp.Job.ID, resp.Status)
			}); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchJob(cmd.Context(), out, client, resp.Job.ID)
		},
	}
	addRequestFlags(cmd, &req)
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream progress until the job finishes")
	return cmd
}

func addRequestFlags(cmd *cobra.Command, req *jobs.Request) {
	cmd.Flags().StringVar(&req.VideoURL, "video-url", "", "URL of the input video")
	cmd.Flags().StringVar(&req.VideoPath, "video-path", "", "Path of the input video on the worker")
	cmd.Flags().Float64Var(&req.TargetFPS, "target-fps", 0, "Target frame rate (default 240)")
	cmd.Flags().StringVar(&req.Model, "model", "", "RIFE model directory name (default rife-v4.6)")
	cmd.Flags().StringVar(&req.OutputFilename, "output-filename", "", "Name of the encoded output file")
}

func postJobAction(cmd *cobra.Command, o *rootOptions, id, action string) error {
	client, err := o.client()
	if err != nil {
		return err
	}
	var job Job
	if err := client.PostJSON(cmd.Context(), "/jobs/"+url.PathEscape(id)+"/"+action, struct{}{}, &job); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	return o.render(out, job, func() {
		fmt.Fprintf(out, "Job %s is %s.\n", job.ID, job.Status)
	})
}

func fetchJob(ctx context.Context, client *Client, id string) (*Job, error) {
	var job Job
	if err := client.GetJSON(ctx, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func printJobDetails(w io.Writer, job *Job) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Field\tValue\n")
	fmt.Fprintf(tw, "ID\t%s\n", job.ID)
	fmt.Fprintf(tw, "Status\t%s\n", job.Status)
	fmt.Fprintf(tw, "Stage\t%s\n", job.Stage)
	fmt.Fprintf(tw, "Progress\t%d%%\n", job.Progress)
	fmt.Fprintf(tw, "Attempt\t%d/%d\n", job.Attempt, job.MaxAttempts)
	fmt.Fprintf(tw, "Message\t%s\n", job.Message)
	fmt.Fprintf(tw, "Updated\t%s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", job.Error)
	}
	_ = tw.Flush()
	if len(job.Payload) > 0 {
		fmt.Fprintln(w, "\nRequest:")
		_ = printJSON(w, job.Payload)
	}
	if len(job.Result) > 0 {
		fmt.Fprintln(w, "\nResult:")
		_ = printJSON(w, job.Result)
	}
}

// watchJob follows job.* events for one job and falls back to polling when
// the stream drops.
func watchJob(ctx context.Context, w io.Writer, client *Client, jobID string) error {
	fmt.Fprintf(w, "Watching job %s...\n", jobID)
	path := "/events?job=" + url.QueryEscape(jobID)
	for {
		handler := func(ev EventEnvelope) bool {
			if ev.Type == "job.log" {
				var line struct {
					Log JobLogEntry `json:"log"`
				}
				if err := json.Unmarshal(ev.Data, &line); err == nil {
					fmt.Fprintf(w, "  %-14s %s\n", line.Log.Stage, line.Log.Message)
				}
				return true
			}
			var job Job
			if err := json.Unmarshal(ev.Data, &job); err != nil {
				printErrorLine("event decode error: %v", err)
				return true
			}
			if job.ID != jobID {
				return true
			}
			fmt.Fprintf(w, "[%s] %-14s %3d%% %s\n", ev.Type, job.Stage, job.Progress, job.Message)
			return !job.Terminal()
		}

		err := client.StreamEvents(ctx, path, handler)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			printErrorLine("event stream interrupted: %v", err)
		}

		job, jobErr := fetchJob(context.Background(), client, jobID)
		if jobErr != nil {
			return jobErr
		}
		if job.Terminal() {
			fmt.Fprintf(w, "Final status: %s (%d%%) - %s\n", job.Status, job.Progress, job.Message)
			if job.Error != "" {
				fmt.Fprintf(w, "Error: %s\n", job.Error)
			}
			if job.Status == "completed" {
				if path, ok := job.Result["output_path"].(string); ok {
					fmt.Fprintf(w, "Output: %s\n", path)
				}
				return nil
			}
			return fmt.Errorf("job %s %s", job.ID, job.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
