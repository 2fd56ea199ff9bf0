// Package cli implements rifectl, the command line for building the
// interpolation image locally and driving the job API.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oremus-labs/rife-worker/config"
	"github.com/oremus-labs/rife-worker/internal/recipe"
)

type rootOptions struct {
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string
	recipePath    string
	variant       string
	binarySHA256  string

	appConfig *Config
	env       *config.Config
}

// Execute runs the CLI.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewRootCmd assembles the rifectl command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{env: config.Load()}

	root := &cobra.Command{
		Use:   "rifectl",
		Short: "Build the RIFE interpolation image and manage interpolation jobs",
		Long: `rifectl renders and verifies the rife-ncnn-vulkan container build, runs the
build steps locally, and talks to the interpolation API.
Remote commands require a configured context (see 'rifectl config set-context').`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Config commands load/save the file manually.
			if strings.HasPrefix(cmd.CommandPath(), "rifectl config") {
				return nil
			}
			if o.appConfig == nil {
				cfg, err := LoadConfig(o.cfgFile)
				if err != nil {
					return err
				}
				o.appConfig = cfg
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.cfgFile, "config", defaultConfigPath(), "Path to the rifectl config file")
	flags.StringVar(&o.contextName, "context", "", "Context name to use (overrides current)")
	flags.StringVar(&o.overrideURL, "server", "", "Override API server URL")
	flags.StringVar(&o.overrideToken, "token", "", "Override API token")
	flags.StringVarP(&o.outputFormat, "output", "o", "table", "Output format: table|json")
	flags.StringVar(&o.recipePath, "recipe", o.env.RecipePath, "Recipe file (defaults to the built-in recipe)")
	flags.StringVar(&o.variant, "variant", o.env.RecipeVariant, "Recipe variant")
	flags.StringVar(&o.binarySHA256, "binary-sha256", o.env.BinarySHA256, "Pin the SHA-256 digest of the binary archive")

	root.AddCommand(
		newRenderCmd(o),
		newLintCmd(o),
		newAcquireCmd(o),
		newProvisionCmd(o),
		newBuildCmd(o),
		newVerifyCmd(o),
		newInterpolateCmd(o),
		newSubmitCmd(o),
		newJobsCmd(o),
		newConfigCmd(o),
	)
	return root
}

// resolvedContext merges config state with flag overrides.
func (o *rootOptions) resolvedContext() (*Context, error) {
	if o.appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := o.contextName
	if ctxName == "" {
		ctxName = o.appConfig.CurrentContext
	}
	ctx, ok := o.appConfig.Contexts[ctxName]
	if !ok {
		if o.overrideURL == "" {
			return nil, fmt.Errorf("context %q not found; use 'rifectl config set-context'", ctxName)
		}
		ctx = Context{Name: ctxName}
	}
	if o.overrideURL != "" {
		ctx.Server = o.overrideURL
	}
	if o.overrideToken != "" {
		ctx.Token = o.overrideToken
	}
	if ctx.Server == "" {
		return nil, fmt.Errorf("context %q is missing a server URL", ctxName)
	}
	return &ctx, nil
}

func (o *rootOptions) client() (*Client, error) {
	ctx, err := o.resolvedContext()
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: 15 * time.Second,
	}, nil
}

func (o *rootOptions) plan() (*recipe.Plan, error) {
	r, err := recipe.LoadOrDefault(o.recipePath)
	if err != nil {
		return nil, err
	}
	if err := r.PinBinary(o.binarySHA256); err != nil {
		return nil, err
	}
	return r.Resolve(o.variant)
}

func (o *rootOptions) jsonOutput() (bool, error) {
	switch strings.ToLower(o.outputFormat) {
	case "json":
		return true, nil
	case "table", "":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported output format %q", o.outputFormat)
	}
}

// render writes data as JSON when requested, otherwise calls table.
func (o *rootOptions) render(w io.Writer, data interface{}, table func()) error {
	asJSON, err := o.jsonOutput()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, data)
	}
	table()
	return nil
}
