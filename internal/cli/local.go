package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"

	"github.com/oremus-labs/rife-worker/internal/acquire"
	"github.com/oremus-labs/rife-worker/internal/engine"
	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/oremus-labs/rife-worker/internal/kube"
	"github.com/oremus-labs/rife-worker/internal/media"
	"github.com/oremus-labs/rife-worker/internal/output"
	"github.com/oremus-labs/rife-worker/internal/pipeline"
	"github.com/oremus-labs/rife-worker/internal/provision"
	"github.com/oremus-labs/rife-worker/internal/recipe"
	"github.com/oremus-labs/rife-worker/internal/verify"
)

func newRenderCmd(o *rootOptions) *cobra.Command {
	var (
		outPath string
		lint    bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the Dockerfile for a recipe variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			dockerfile, err := recipe.Generator{DownloadTries: o.env.DownloadRetries}.Dockerfile(plan)
			if err != nil {
				return err
			}
			if lint {
				report, err := recipe.Lint(dockerfile, plan)
				if err != nil {
					return err
				}
				printFindings(cmd.ErrOrStderr(), report)
				if !report.OK() {
					return fmt.Errorf("rendered Dockerfile has %d lint errors", len(report.Errors()))
				}
			}
			if outPath == "" || outPath == "-" {
				_, err = io.WriteString(cmd.OutOrStdout(), dockerfile)
				return err
			}
			if err := os.WriteFile(outPath, []byte(dockerfile), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s variant)\n", outPath, plan.Variant)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "file", "f", "", "Write the Dockerfile to this path instead of stdout")
	cmd.Flags().BoolVar(&lint, "lint", false, "Lint the rendered Dockerfile before writing it")
	return cmd
}

func newLintCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lint <dockerfile>",
		Short: "Check a Dockerfile against the recipe variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			report, err := recipe.Lint(string(data), plan)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := o.render(out, report, func() { printFindings(out, report) }); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%s: %d lint errors", args[0], len(report.Errors()))
			}
			return nil
		},
	}
}

func printFindings(w io.Writer, report *recipe.LintReport) {
	if len(report.Findings) == 0 {
		fmt.Fprintln(w, "No findings.")
		return
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "SEVERITY\tRULE\tLINE\tMESSAGE\n")
	for _, f := range report.Findings {
		line := "-"
		if f.Line > 0 {
			line = fmt.Sprintf("%d", f.Line)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Severity, f.Rule, line, f.Message)
	}
	_ = tw.Flush()
}

func (o *rootOptions) acquirer() *acquire.Manager {
	opts := []acquire.Option{acquire.WithAttempts(o.env.DownloadRetries)}
	if o.env.DownloadCacheDir != "" {
		opts = append(opts, acquire.WithCacheDir(o.env.DownloadCacheDir))
	}
	return acquire.New(opts...)
}

func newAcquireCmd(o *rootOptions) *cobra.Command {
	var (
		appDir          string
		requireChecksum bool
	)
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Download and install the pinned rife-ncnn-vulkan release",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			if appDir == "" {
				appDir = plan.AppDir
			}
			res, err := o.acquirer().Acquire(cmd.Context(), acquire.Request{
				Source:          plan.Binary,
				AppDir:          appDir,
				RequireChecksum: requireChecksum,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return o.render(out, res, func() {
				tw := newTable(out)
				fmt.Fprintf(tw, "Binary\t%s\n", res.BinaryPath)
				fmt.Fprintf(tw, "Archive SHA-256\t%s\n", res.SHA256)
				fmt.Fprintf(tw, "Binary SHA-256\t%s\n", res.BinaryDigest)
				fmt.Fprintf(tw, "Models\t%s\n", strings.Join(res.Siblings, ", "))
				fmt.Fprintf(tw, "From cache\t%t\n", res.FromCache)
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&appDir, "app-dir", "", "Install into this directory instead of the recipe app dir")
	cmd.Flags().BoolVar(&requireChecksum, "require-checksum", false, "Fail when the recipe does not pin a sha256")
	return cmd
}

func newProvisionCmd(o *rootOptions) *cobra.Command {
	var requirements string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Install the variant's system packages and optionally a requirements manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			report, err := provision.NewApt().Install(cmd.Context(), plan.Packages)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Installed: %s\n", joinOrNone(report.Installed))
			fmt.Fprintf(out, "Already present: %s\n", joinOrNone(report.Skipped))
			if requirements == "" {
				return nil
			}
			if err := provision.NewPip().Install(cmd.Context(), requirements); err != nil {
				return err
			}
			fmt.Fprintf(out, "Installed requirements from %s\n", requirements)
			return nil
		},
	}
	cmd.Flags().StringVar(&requirements, "requirements", "", "Python requirements manifest to install")
	return cmd
}

func joinOrNone(list []string) string {
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}

func newBuildCmd(o *rootOptions) *cobra.Command {
	var (
		sourceDir       string
		osRelease       string
		requireChecksum bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the build steps against the current machine",
		Long: `build provisions the running machine the way the image build does: base
check, system packages, binary acquisition, then the application layer
(requirements manifest, handler and startup command).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			pl := &pipeline.Pipeline{
				Packages:        provision.NewApt(),
				Manifest:        provision.NewPip(),
				Binary:          o.acquirer(),
				SourceDir:       sourceDir,
				OSRelease:       osRelease,
				RequireChecksum: requireChecksum,
			}
			report, runErr := pl.Run(cmd.Context(), plan)
			out := cmd.OutOrStdout()
			if err := o.render(out, report, func() {
				tw := newTable(out)
				fmt.Fprintf(tw, "STEP\tSTATUS\tDURATION\tNOTES\n")
				for _, s := range report.Steps {
					notes := strings.Join(s.Warnings, "; ")
					if s.Error != "" {
						notes = s.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Status, humanDuration(s.Duration), notes)
				}
				_ = tw.Flush()
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&sourceDir, "source", ".", "Directory holding the requirements manifest and handler")
	cmd.Flags().StringVar(&osRelease, "os-release", "", "os-release file to compare with the base image (default /etc/os-release)")
	cmd.Flags().BoolVar(&requireChecksum, "require-checksum", false, "Fail when the recipe does not pin a sha256")
	return cmd
}

func newVerifyCmd(o *rootOptions) *cobra.Command {
	var (
		dockerfile string
		digest     string
		gpu        bool
		kubeconfig string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an installed application directory against the recipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := o.plan()
			if err != nil {
				return err
			}
			opts := verify.Options{
				Packages:             provision.NewApt(),
				Requirements:         provision.NewPip(),
				GPUResource:          o.env.GPUResource,
				ExpectedBinaryDigest: digest,
				DockerfilePath:       dockerfile,
				SkipGPU:              !gpu,
			}
			if gpu {
				var client kubernetes.Interface
				client, err = kube.NewClientset(kubeconfig)
				if err != nil {
					return err
				}
				opts.KubernetesClient = client
			}
			result := verify.New(opts).Run(cmd.Context(), plan)
			out := cmd.OutOrStdout()
			if err := o.render(out, result, func() {
				tw := newTable(out)
				fmt.Fprintf(tw, "CHECK\tSTATUS\tMESSAGE\n")
				for _, c := range result.Checks {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
				}
				_ = tw.Flush()
			}); err != nil {
				return err
			}
			if !result.Valid {
				return errors.New("verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dockerfile, "dockerfile", "", "Lint this Dockerfile for the entrypoint check")
	cmd.Flags().StringVar(&digest, "binary-digest", "", "Expected SHA-256 of the installed binary")
	cmd.Flags().BoolVar(&gpu, "gpu", false, "Check that a cluster node advertises GPU capacity")
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Kubeconfig for the GPU check (default in-cluster, $KUBECONFIG, ~/.kube/config)")
	return cmd
}

func newInterpolateCmd(o *rootOptions) *cobra.Command {
	var (
		req       jobs.Request
		outputDir string
		pair      bool
		factor    int
	)
	cmd := &cobra.Command{
		Use:   "interpolate [--pair frame-a frame-b]",
		Short: "Run one interpolation job on this machine",
		Example: `  rifectl interpolate --video-path clip.mp4 --target-fps 120 --output-dir ./out
  rifectl interpolate --pair a.png b.png --factor 4 --output-dir ./frames`,
		Args: func(cmd *cobra.Command, args []string) error {
			if pair {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.NoArgs(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if pair {
				return interpolatePair(cmd, o, args[0], args[1], factor, req.Model, outputDir)
			}
			if err := req.Validate(); err != nil {
				return err
			}
			if req.VideoPath != "" {
				abs, err := filepath.Abs(req.VideoPath)
				if err != nil {
					return err
				}
				req.VideoPath = abs
			}
			rife, err := engine.FromConfig(o.env)
			if err != nil {
				return err
			}
			var sink output.Sink
			if outputDir != "" {
				sink = output.NewVolumeSink(outputDir)
			} else {
				sink, err = output.FromConfig(o.env)
				if err != nil {
					return err
				}
			}
			if ms, ok := sink.(*output.MinioSink); ok {
				if err := ms.EnsureBucket(cmd.Context()); err != nil {
					return err
				}
			}
			manager := jobs.New(jobs.Options{
				Media:        media.New(),
				Engine:       rife,
				Sink:         sink,
				Fetcher:      o.acquirer(),
				WorkRoot:     o.env.EphemeralRoot,
				JobTimeout:   o.env.JobTimeout,
				DefaultModel: o.env.DefaultModel,
				DefaultFPS:   o.env.DefaultFPS,
			})
			result, err := manager.Run(cmd.Context(), uuid.NewString(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return o.render(out, result, func() {
				tw := newTable(out)
				for _, key := range sortedKeys(result) {
					fmt.Fprintf(tw, "%s\t%v\n", key, result[key])
				}
				_ = tw.Flush()
			})
		},
	}
	addRequestFlags(cmd, &req)
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Write the result under this directory instead of the configured sink")
	cmd.Flags().BoolVar(&pair, "pair", false, "Synthesize frames between the two image arguments instead of running a video job")
	cmd.Flags().IntVar(&factor, "factor", 2, "With --pair, write factor-1 frames between the inputs")
	return cmd
}

func interpolatePair(cmd *cobra.Command, o *rootOptions, frameA, frameB string, factor int, model, outputDir string) error {
	for _, frame := range []string{frameA, frameB} {
		if _, err := os.Stat(frame); err != nil {
			return fmt.Errorf("input frame: %w", err)
		}
	}
	if outputDir == "" {
		outputDir = "frames"
	}
	if model != "" {
		o.env.DefaultModel = model
	}
	rife, err := engine.FromConfig(o.env)
	if err != nil {
		return err
	}
	frames, err := rife.Interpolate(cmd.Context(), frameA, frameB, factor, outputDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	return o.render(out, map[string]interface{}{"frames": frames, "factor": factor}, func() {
		for _, f := range frames {
			fmt.Fprintln(out, f)
		}
	})
}
