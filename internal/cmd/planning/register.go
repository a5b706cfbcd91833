// Package planning provides CLI commands for checking and executing test plans.
package planning

import "github.com/spf13/cobra"

// Register adds all planning-related commands to the given parent command.
// This is the main entry point for integrating the planning subpackage with
// the root command.
func Register(parent *cobra.Command) {
	RegisterValidateCmd(parent)
	RegisterRunCmd(parent)
}

// silentError signals that the command failed but output was already provided.
// Used to set exit code 1 without Cobra printing a duplicate error message.
type silentError struct {
	msg string
}

func (e *silentError) Error() string {
	return e.msg
}

// silent marks cmd so Cobra does not print the returned error.
func silent(cmd *cobra.Command, msg string) error {
	cmd.SilenceErrors = true
	return &silentError{msg: msg}
}
