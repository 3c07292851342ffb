// devlink is the command line front end of a running devlinkd.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrylevesque/devlink/internal/api"
	"github.com/harrylevesque/devlink/internal/version"
)

// Default control server address; can override with DEVLINK_ADDR or --addr.
const defaultAddr = "http://127.0.0.1:3001"

var (
	addr    string
	timeout time.Duration
	asJSON  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "devlink",
		Short:        "Query and drive the local devlink agent",
		Version:      version.Version,
		SilenceUsage: true,
	}
	def := defaultAddr
	if env := os.Getenv("DEVLINK_ADDR"); env != "" {
		def = strings.TrimRight(env, "/")
	}
	root.PersistentFlags().StringVar(&addr, "addr", def, "control server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout (0 uses the client default)")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		statusCmd(),
		uidCmd(),
		configCmd(),
		authenticateCmd(),
		verifyCmd(),
		networkCmd(),
		eventsCmd(),
		updateCheckCmd(),
	)
	return root
}

func newClient() (*api.Client, error) {
	return api.NewClient(api.ClientOptions{Addr: strings.TrimRight(addr, "/"), Timeout: timeout})
}

// emit prints v as JSON when --json is set, otherwise runs human.
func emit(w io.Writer, v any, human func()) error {
	if !asJSON {
		human()
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, st, func() {
				fmt.Fprintf(out, "status:        %s\n", st.Status)
				fmt.Fprintf(out, "version:       %s\n", st.Version)
				fmt.Fprintf(out, "uid:           %s\n", st.HardwareID)
				fmt.Fprintf(out, "authenticated: %t\n", st.IsAuthenticated)
				fmt.Fprintf(out, "api:           %s\n", st.APIBaseURL)
			})
		},
	}
}

func uidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uid",
		Short: "Print the device UID",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			info, err := c.UID(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, info, func() {
				fmt.Fprintln(out, info.UID)
				fmt.Fprintf(out, "%s %s (%s)\n", info.DeviceInfo.OS, info.DeviceInfo.Version, info.DeviceInfo.Platform)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the authority base URL",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the authority base URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			base, err := c.Config(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, api.ConfigData{APIBaseURL: base}, func() { fmt.Fprintln(out, base) })
		},
	}, &cobra.Command{
		Use:   "set <api-base-url>",
		Short: "Change the authority base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			base, err := c.SetAPIBaseURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, api.ConfigData{APIBaseURL: base}, func() { fmt.Fprintln(out, base) })
		},
	})
	return cmd
}

func authenticateCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "authenticate",
		Short: "Authenticate this device with the authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			session, err := c.Authenticate(cmd.Context(), base)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, session, func() {
				fmt.Fprintln(out, "authenticated")
				if session.User != nil {
					fmt.Fprintf(out, "user:   %s\n", session.User.ID)
				}
				if session.Device != nil {
					fmt.Fprintf(out, "device: %s\n", session.Device.ID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&base, "api-base-url", "", "authority base URL to use from now on")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the current session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, reason, err := c.Verify(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if v == nil {
				if reason == "" {
					reason = "no verification returned"
				}
				return fmt.Errorf("not verified: %s", reason)
			}
			return emit(out, v, func() { fmt.Fprintln(out, "verified") })
		},
	}
}

func networkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "network",
		Short: "Check internet and authority reachability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Network(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, st, func() {
				fmt.Fprintf(out, "internet: %s\n", upDown(st.Network))
				fmt.Fprintf(out, "backend:  %s (%s)\n", upDown(st.Backend), st.APIURL)
			})
		},
	}
}

func upDown(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}

func eventsCmd() *cobra.Command {
	var since uint64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent agent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			evs, err := c.Events(cmd.Context(), since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, evs, func() {
				for _, ev := range evs {
					data, _ := json.Marshal(ev.Data)
					fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Time.Local().Format(time.DateTime), ev.Type, data)
				}
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only events with a higher sequence number")
	return cmd
}

func updateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-check",
		Short: "Check the release feed for a newer version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.CheckUpdate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return emit(out, res, func() {
				if !res.Available {
					fmt.Fprintln(out, "up to date")
					return
				}
				fmt.Fprintf(out, "version %s available\n", res.Release.Version)
			})
		},
	}
}
