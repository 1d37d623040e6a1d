// Package hosterr defines the uniform error currency used across every
// subsystem of the plugin host: the IPC boundary, the supervisor's state
// transitions, the scheduler's retry logic, and the administration surface.
package hosterr

import "fmt"

// Kind classifies a HostError into one of the fixed buckets the host
// reasons about. New kinds are not added lightly — every kind here has a
// specific recovery or surfacing rule attached to it.
type Kind string

const (
	Config         Kind = "config"
	IPCTimeout     Kind = "ipc_timeout"
	IPCProtocol    Kind = "ipc_protocol"
	ProcessDead    Kind = "process_dead"
	PluginFailure  Kind = "plugin_failure"
	Capacity       Kind = "capacity"
	UnknownAction  Kind = "unknown_action"
	Dependency     Kind = "dependency"
	Policy         Kind = "policy"
)

// HostError is the structured error that crosses the IPC boundary as
// {code, message} and surfaces through the administration API as a stable
// public code. Code is a short machine-readable string (e.g.
// "divide_by_zero"); Kind buckets it for recovery logic.
type HostError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *HostError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *HostError) Unwrap() error { return e.Err }

// New builds a HostError with no underlying cause.
func New(kind Kind, code, message string) *HostError {
	return &HostError{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a Kind/Code/Message to an underlying cause, preserving it
// for errors.Is/errors.As.
func Wrap(kind Kind, code string, err error) *HostError {
	if err == nil {
		return nil
	}
	return &HostError{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// Is reports whether err is a HostError of the given kind.
func Is(err error, kind Kind) bool {
	he, ok := err.(*HostError)
	if !ok {
		return false
	}
	return he.Kind == kind
}

// PluginGone is the well-defined error returned for requests to an
// unmounted plugin (§4.G), rather than allowing the caller to time out.
func PluginGone(plugin string) *HostError {
	return New(PluginFailure, "plugin_gone", fmt.Sprintf("plugin %q is not mounted", plugin))
}

// TerminalFailure is the error a supervisor records as the plugin's last
// error, and logs, when it gives up restarting a plugin after exhausting
// its restart budget.
func TerminalFailure(plugin string, cause error) *HostError {
	return Wrap(ProcessDead, "terminal_failure", fmt.Errorf("plugin %q exhausted restart budget: %w", plugin, cause))
}
