package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrCommandNotAllowed is returned for admin commands outside the gateway CLI.
var ErrCommandNotAllowed = errors.New("command not allowed")

// Subcommands that work against the local config and need no --url.
var offlineSubcommands = []string{
	"config get", "config set", "config unset", "--help", "--version", "doctor", "message", "channels",
}

// Subcommands given the long CLI timeout.
var longSubcommands = []string{"web link", "doctor --fix", "install"}

type CLIResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunCLI runs a one-shot gateway CLI command against the running gateway,
// starting the gateway first if needed.
func (s *Supervisor) RunCLI(ctx context.Context, command string) (CLIResult, error) {
	command = strings.TrimSpace(command)
	if !strings.HasPrefix(command, s.cfg.Gateway.CLIName+" ") {
		return CLIResult{}, fmt.Errorf("%w: only %s commands are allowed", ErrCommandNotAllowed, s.cfg.Gateway.CLIName)
	}
	if i := strings.IndexAny(command, shellMeta); i >= 0 {
		return CLIResult{}, fmt.Errorf("%w: shell metacharacter %q", ErrCommandNotAllowed, command[i])
	}
	if _, err := s.EnsureGateway(ctx); err != nil {
		return CLIResult{}, err
	}
	full := command
	if needsURL(command) {
		full = fmt.Sprintf("%s --url ws://localhost:%d", command, s.cfg.Gateway.Port)
	}
	out, err := runCommand(ctx, s.sandbox, full, s.cliTimeout(command))
	return CLIResult{ExitCode: out.ExitCode(), Stdout: out.Logs.Stdout, Stderr: out.Logs.Stderr}, err
}

func needsURL(command string) bool {
	for _, sub := range offlineSubcommands {
		if strings.Contains(command, sub) {
			return false
		}
	}
	return true
}

func (s *Supervisor) cliTimeout(command string) time.Duration {
	for _, sub := range longSubcommands {
		if strings.Contains(command, sub) {
			return s.cfg.Timeouts.CLILong
		}
	}
	return s.cfg.Timeouts.CLI
}

// DeviceList is the gateway's pairing state. Raw holds the CLI output when it
// carried no JSON object.
type DeviceList struct {
	Pending []json.RawMessage `json:"pending"`
	Paired  []json.RawMessage `json:"paired"`
	Raw     string            `json:"raw,omitempty"`
	Stderr  string            `json:"stderr,omitempty"`
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ListDevices asks the gateway for pending and paired devices.
func (s *Supervisor) ListDevices(ctx context.Context) (DeviceList, error) {
	res, err := s.RunCLI(ctx, s.cfg.Gateway.CLIName+" devices list --json")
	if err != nil {
		return DeviceList{}, err
	}
	return parseDeviceList(res), nil
}

func parseDeviceList(res CLIResult) DeviceList {
	list := DeviceList{Pending: []json.RawMessage{}, Paired: []json.RawMessage{}}
	m := jsonObjectPattern.FindString(res.Stdout)
	if m == "" {
		list.Raw, list.Stderr = res.Stdout, res.Stderr
		return list
	}
	if err := json.Unmarshal([]byte(m), &list); err != nil {
		return DeviceList{Pending: []json.RawMessage{}, Paired: []json.RawMessage{}, Raw: res.Stdout, Stderr: res.Stderr}
	}
	return list
}

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidRequestID is returned for pairing request ids that are not a
// single plain token.
var ErrInvalidRequestID = errors.New("invalid request id")

// ApproveDevice approves a pending pairing request.
func (s *Supervisor) ApproveDevice(ctx context.Context, requestID string) (bool, CLIResult, error) {
	if !requestIDPattern.MatchString(requestID) {
		return false, CLIResult{}, fmt.Errorf("%w %q", ErrInvalidRequestID, requestID)
	}
	res, err := s.RunCLI(ctx, fmt.Sprintf("%s devices approve %s", s.cfg.Gateway.CLIName, requestID))
	if err != nil {
		return false, res, err
	}
	ok := strings.Contains(strings.ToLower(res.Stdout), "approved") || res.ExitCode == 0
	return ok, res, nil
}

// ErrDeviceListUnparsed is returned when the device listing carried JSON that
// could not be decoded.
var ErrDeviceListUnparsed = errors.New("failed to parse device list")

type ApprovalFailure struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

type ApproveAllResult struct {
	Approved []string          `json:"approved"`
	Failed   []ApprovalFailure `json:"failed"`
	Message  string            `json:"message"`
}

// ApproveAllDevices approves every pending pairing request in turn. A failed
// approval is recorded and does not stop the rest.
func (s *Supervisor) ApproveAllDevices(ctx context.Context) (ApproveAllResult, error) {
	list, err := s.ListDevices(ctx)
	if err != nil {
		return ApproveAllResult{}, err
	}
	if list.Raw != "" && jsonObjectPattern.MatchString(list.Raw) {
		return ApproveAllResult{}, fmt.Errorf("%w: %s", ErrDeviceListUnparsed, strings.TrimSpace(list.Raw))
	}

	res := ApproveAllResult{Approved: []string{}, Failed: []ApprovalFailure{}}
	if len(list.Pending) == 0 {
		res.Message = "No pending devices to approve"
		return res, nil
	}
	for _, raw := range list.Pending {
		var device struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(raw, &device); err != nil || device.RequestID == "" {
			res.Failed = append(res.Failed, ApprovalFailure{Error: "pending entry has no requestId"})
			continue
		}
		ok, out, err := s.ApproveDevice(ctx, device.RequestID)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, ApprovalFailure{RequestID: device.RequestID, Error: err.Error()})
		case !ok:
			res.Failed = append(res.Failed, ApprovalFailure{RequestID: device.RequestID, Error: strings.TrimSpace(out.Stderr)})
		default:
			res.Approved = append(res.Approved, device.RequestID)
		}
	}
	res.Message = fmt.Sprintf("Approved %d of %d device(s)", len(res.Approved), len(list.Pending))
	return res, nil
}
