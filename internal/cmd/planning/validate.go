package planning

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qwdingyu/testflow/internal/device"
	"github.com/qwdingyu/testflow/internal/device/sim"
	"github.com/qwdingyu/testflow/internal/devicepool"
	"github.com/qwdingyu/testflow/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a test plan file",
	Long: `Validate a test plan file for structural issues before running it.

This command checks:
  - Valid YAML or JSON syntax, with no unknown fields
  - Every task has a unique, non-empty id
  - Dependencies name known tasks and form no cycle
  - Every task has a target and every device has a known type

The exit code indicates the result:
  0 - Plan is valid (may have warnings)
  1 - Plan has validation errors or could not be parsed

Examples:
  # Validate a plan
  testflow validate plans/smoke.yaml

  # Validate with JSON output
  testflow validate --json plans/smoke.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var (
	validateJSON bool
)

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output validation result as JSON")
}

// RegisterValidateCmd registers the validate command with the given parent command.
func RegisterValidateCmd(parent *cobra.Command) {
	parent.AddCommand(validateCmd)
}

// ValidationOutput represents the JSON output format for validation results.
type ValidationOutput struct {
	Valid      bool     `json:"valid"`
	FilePath   string   `json:"file_path"`
	Plan       string   `json:"plan,omitempty"`
	Tasks      int      `json:"tasks"`
	Devices    int      `json:"devices"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	ParseError string   `json:"parse_error,omitempty"`
}

// checkPlan loads path and collects hard errors and advisory warnings.
func checkPlan(path string) ValidationOutput {
	out := ValidationOutput{FilePath: path}

	if _, err := os.Stat(path); err != nil {
		switch {
		case os.IsNotExist(err):
			out.ParseError = fmt.Sprintf("file not found: %s", path)
		case os.IsPermission(err):
			out.ParseError = fmt.Sprintf("permission denied: %s", path)
		default:
			out.ParseError = fmt.Sprintf("cannot access file: %s: %v", path, err)
		}
		return out
	}

	p, err := plan.LoadFile(path)
	if err != nil {
		out.ParseError = err.Error()
		return out
	}
	out.Plan = p.Name
	out.Devices = len(p.Devices)

	v := plan.Validate(p)
	out.Tasks = len(v.Tasks)
	out.Errors = v.Messages()
	out.Warnings = append(out.Warnings, plan.Lint(p)...)
	out.Warnings = append(out.Warnings, deviceWarnings(p)...)

	out.Valid = len(out.Errors) == 0
	return out
}

// deviceWarnings flags device types no registered factory can build and
// targets that have no device entry.
func deviceWarnings(p *plan.Plan) []string {
	pool := devicepool.New()
	defer pool.Close()
	sim.Register(pool, sim.Env{})
	known := make(map[string]bool)
	for _, t := range pool.Types() {
		known[t] = true
	}

	var warnings []string
	for _, key := range sortedKeys(p.Devices) {
		spec := p.Devices[key]
		if !known[strings.ToLower(strings.TrimSpace(spec.Type))] {
			warnings = append(warnings, fmt.Sprintf("device %q has unknown type %q (known: %s)",
				key, spec.Type, strings.Join(pool.Types(), ", ")))
		}
	}
	declared := make(map[string]bool, len(p.Devices))
	for key := range p.Devices {
		declared[device.Key(key)] = true
	}
	seen := make(map[string]bool)
	for _, t := range plan.Validate(p).Tasks {
		key := device.Key(t.Target)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if !declared[key] {
			warnings = append(warnings, fmt.Sprintf("task %q targets undeclared device %q", t.ID, t.Target))
		}
	}
	return warnings
}

func runValidate(cmd *cobra.Command, args []string) error {
	result := checkPlan(args[0])
	if validateJSON {
		return outputJSON(cmd, result)
	}
	return outputHuman(cmd, result)
}

// outputJSON prints the validation output as formatted JSON.
// Returns a silentError if validation failed to signal exit code 1.
func outputJSON(cmd *cobra.Command, output ValidationOutput) error {
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		// Keep --json output parseable for CI pipelines
		fmt.Fprintf(cmd.OutOrStdout(), `{"valid": false, "file_path": %q, "parse_error": "internal error: failed to marshal output: %s"}`+"\n",
			output.FilePath, err.Error())
		return silent(cmd, "validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if !output.Valid {
		return silent(cmd, "validation failed")
	}
	return nil
}

func outputHuman(cmd *cobra.Command, result ValidationOutput) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Validating: %s\n", result.FilePath)
	fmt.Fprintln(w)

	if result.ParseError != "" {
		fmt.Fprintln(w, "Status: INVALID")
		fmt.Fprintf(w, "  %s\n", result.ParseError)
		return silent(cmd, "validation failed")
	}

	fmt.Fprintf(w, "Plan Summary:\n")
	fmt.Fprintf(w, "  Name: %s\n", result.Plan)
	fmt.Fprintf(w, "  Tasks: %d\n", result.Tasks)
	fmt.Fprintf(w, "  Devices: %d\n", result.Devices)
	fmt.Fprintln(w)

	if result.Valid {
		fmt.Fprintln(w, "Status: VALID")
	} else {
		fmt.Fprintln(w, "Status: INVALID")
	}
	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		fmt.Fprintf(w, "  Errors: %d, Warnings: %d\n", len(result.Errors), len(result.Warnings))
	}
	fmt.Fprintln(w)

	printSection(w, "Errors:", result.Errors)
	printSection(w, "Warnings:", result.Warnings)

	if !result.Valid {
		return silent(cmd, "validation failed")
	}
	return nil
}

func printSection(w io.Writer, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, title)
	for _, line := range lines {
		fmt.Fprintf(w, "  - %s\n", line)
	}
	fmt.Fprintln(w)
}
