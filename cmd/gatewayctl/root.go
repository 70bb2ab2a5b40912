package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	serverAddr string
)

// newRootCmd wires the cobra tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Supervise the sandbox gateway process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to supervisor config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:9999", "Control server URL of a running supervisor")

	root.AddCommand(
		newServeCmd(),
		newEnsureCmd(),
		newRestartCmd(),
		newKillAllCmd(),
		newPsCmd(),
		newLogsCmd(),
		newStorageCmd(),
		newCLICmd(),
		newDevicesCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("GATEWAY_SUPERVISOR_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Ensure a healthy gateway is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h struct {
				ProcessID string `json:"processId"`
				Port      int    `json:"port"`
				Reused    bool   `json:"reused"`
			}
			if err := call(http.MethodPost, "/gateway/ensure", nil, &h); err != nil {
				return err
			}
			state := "launched"
			if h.Reused {
				state = "reused"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on port %d (%s)\n", color.GreenString("ready"), h.ProcessID, h.Port, state)
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Kill all gateway processes and start a fresh gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/gateway/restart"
			if wait {
				path += "?wait=true"
			}
			var out map[string]any
			if err := call(http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the new gateway to become ready")
	return cmd
}

func newKillAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every gateway-related process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(http.MethodPost, "/gateway/kill-all", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List sandbox processes with their classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Processes []struct {
					ID      string `json:"id"`
					Command string `json:"command"`
					Status  string `json:"status"`
					Class   string `json:"class"`
				} `json:"processes"`
			}
			if err := call(http.MethodGet, "/gateway/processes", nil, &out); err != nil {
				return err
			}
			if len(out.Processes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No processes.")
				return nil
			}
			for _, p := range out.Processes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %-22s %s\n", p.ID, statusColor(p.Status), p.Class, p.Command)
			}
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show output of the most recent gateway process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ProcessID string `json:"processId"`
				Status    string `json:"status"`
				Stdout    string `json:"stdout"`
				Stderr    string `json:"stderr"`
			}
			if err := call(http.MethodGet, "/gateway/logs", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", out.ProcessID, statusColor(out.Status))
			fmt.Fprintln(w, color.CyanString("--- stdout ---"))
			fmt.Fprintln(w, out.Stdout)
			fmt.Fprintln(w, color.YellowString("--- stderr ---"))
			fmt.Fprintln(w, out.Stderr)
			return nil
		},
	}
}

func newStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show durable storage status and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(http.MethodGet, "/storage", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newCLICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cli -- <gateway cli command>",
		Short: "Run a gateway CLI command inside the sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"command": strings.Join(args, " ")}
			var out struct {
				ExitCode int    `json:"exitCode"`
				Stdout   string `json:"stdout"`
				Stderr   string `json:"stderr"`
			}
			if err := call(http.MethodPost, "/cli", body, &out); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), out.Stderr)
			if out.ExitCode != 0 {
				return fmt.Errorf("command exited %d", out.ExitCode)
			}
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List pending and paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(http.MethodGet, "/devices", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Success bool   `json:"success"`
				Stdout  string `json:"stdout"`
				Stderr  string `json:"stderr"`
			}
			if err := call(http.MethodPost, "/devices/approve", map[string]string{"requestId": args[0]}, &out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("%s: %s", color.RedString("approval failed"), strings.TrimSpace(out.Stderr))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("approved"), args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve-all",
		Short: "Approve every pending pairing request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Approved []string `json:"approved"`
				Failed   []struct {
					RequestID string `json:"requestId"`
					Error     string `json:"error"`
				} `json:"failed"`
				Message string `json:"message"`
			}
			if err := call(http.MethodPost, "/devices/approve-all", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, id := range out.Approved {
				fmt.Fprintf(w, "%s %s\n", color.GreenString("approved"), id)
			}
			for _, f := range out.Failed {
				fmt.Fprintf(w, "%s %s %s\n", color.RedString("failed"), f.RequestID, f.Error)
			}
			fmt.Fprintln(w, out.Message)
			if len(out.Failed) > 0 {
				return fmt.Errorf("%d approval(s) failed", len(out.Failed))
			}
			return nil
		},
	})
	return cmd
}

func statusColor(status string) string {
	switch status {
	case "running":
		return color.GreenString(status)
	case "starting":
		return color.YellowString(status)
	case "failed", "killed":
		return color.RedString(status)
	default:
		return status
	}
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// call sends a request to the control server and decodes the JSON reply.
func call(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverAddr, "/")+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting supervisor at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error  string `json:"error"`
			Stderr string `json:"stderr"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Stderr != "" {
				return fmt.Errorf("%s: %s\n%s", color.RedString("error"), e.Error, e.Stderr)
			}
			return fmt.Errorf("%s: %s", color.RedString("error"), e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
