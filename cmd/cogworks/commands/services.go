package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cogworks/cogworks/pkg/extension/client"
)

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect registered domain services",
	}
	cmd.AddCommand(newServicesListCommand())
	cmd.AddCommand(newServicesCheckCommand())
	return cmd
}

// withServices runs fn with a client built from the configured registry.
func withServices(fn func(c *client.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	c, err := newServiceClient(cfg, tel)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func newServicesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered services without contacting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(c *client.Client) error {
				st := c.Status()
				if jsonOutput {
					return printJSON(statusView(st))
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVICE\tTRANSPORT")
				for _, s := range st {
					fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Transport)
				}
				return tw.Flush()
			})
		},
	}
}

func newServicesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Handshake with every registered service",
		Long: `Connect to every registered service, negotiate the protocol version and
list the methods each one announces. Fails if any service is unreachable
or speaks an incompatible version.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(c *client.Client) error {
				caps, err := negotiateAll(cmd.Context(), c)
				if jsonOutput {
					if perr := printJSON(caps); perr != nil {
						return perr
					}
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVICE\tVERSION\tMETHODS")
				for _, cv := range caps {
					if cv.Error != "" {
						fmt.Fprintf(tw, "%s\t-\t%s\n", cv.Name, cv.Error)
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", cv.Name, cv.Version, strings.Join(cv.Methods, ", "))
				}
				tw.Flush()
				return err
			})
		},
	}
}

type capabilityView struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Methods []string `json:"methods,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// negotiateAll handshakes with every registered service. It reports all
// of them and returns the joined failures.
func negotiateAll(ctx context.Context, c *client.Client) ([]capabilityView, error) {
	var (
		views []capabilityView
		errs  []error
	)
	for _, name := range c.Services() {
		v := capabilityView{Name: string(name)}
		caps, err := c.Negotiate(ctx, name)
		if err != nil {
			v.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			log.Warn().Err(err).Str("service", string(name)).Msg("Service check failed")
		} else {
			v.Version = caps.Version.String()
			v.Methods = caps.List()
			log.Debug().Str("service", string(name)).Strs("methods", v.Methods).Msg("Service ready")
		}
		views = append(views, v)
	}
	return views, errors.Join(errs...)
}

type serviceStatusView struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
}

func statusView(st []client.Status) []serviceStatusView {
	out := make([]serviceStatusView, len(st))
	for i, s := range st {
		out[i] = serviceStatusView{Name: string(s.Name), Transport: string(s.Transport), Connected: s.Connected}
	}
	return out
}
