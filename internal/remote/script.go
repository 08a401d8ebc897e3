package remote

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

const (
	markerStep    = "::vmdeploy-step"
	markerSkipped = "::vmdeploy-skipped"
	markerWarn    = "::vmdeploy-warn"
)

// Step is one command of a remote batch.
type Step struct {
	Name    string
	Command string
	// Unless is an absence probe: when it exits 0 the step is already
	// satisfied and Command is not run.
	Unless string
	// BestEffort steps never stop the batch; their failure is reported as a
	// warning.
	BestEffort bool
}

// Script is an ordered batch of steps executed in a single SSH session under
// fail-fast semantics: the first failing non-best-effort step ends the batch.
type Script struct {
	Name  string
	Steps []Step
}

// Result captures the outcome of a script or command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Skipped  []string
	Warnings []string
}

// StepError reports the first failing step of a script.
type StepError struct {
	Script   string
	Step     string
	ExitCode int
	Output   string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: step %q failed with exit code %d", e.Script, e.Step, e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Render produces the bash program executed on the remote host.
func (s Script) Render() string {
	var b strings.Builder
	b.WriteString("set -eo pipefail\n")
	// The group is parsed in full before it runs, so commands that read
	// stdin see EOF instead of the rest of the script.
	b.WriteString("{\n")
	for i, step := range s.Steps {
		fmt.Fprintf(&b, "printf '\\n%s %d\\n'\n", markerStep, i)
		body := strings.TrimSpace(step.Command)
		if step.BestEffort {
			body = fmt.Sprintf("{\n%s\n} || printf '\\n%s %d\\n'", body, markerWarn, i)
		}
		if probe := strings.TrimSpace(step.Unless); probe != "" {
			fmt.Fprintf(&b, "if %s; then\nprintf '\\n%s %d\\n'\nelse\n%s\nfi\n", probe, markerSkipped, i, body)
			continue
		}
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// Interpret reads the output of a rendered script run by any shell. It strips
// progress markers from stdout and maps a non-zero exit code to the step that
// was running when the batch stopped.
func (s Script) Interpret(stdout, stderr string, exitCode int) (Result, error) {
	res := Result{Stderr: stderr, ExitCode: exitCode}
	current := -1
	var clean strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, markerStep+" "):
			if idx, ok := s.markerIndex(line, markerStep); ok {
				current = idx
			}
		case strings.HasPrefix(line, markerSkipped+" "):
			if idx, ok := s.markerIndex(line, markerSkipped); ok {
				res.Skipped = append(res.Skipped, s.Steps[idx].Name)
			}
		case strings.HasPrefix(line, markerWarn+" "):
			if idx, ok := s.markerIndex(line, markerWarn); ok {
				res.Warnings = append(res.Warnings, s.Steps[idx].Name)
			}
		case line == "":
		default:
			clean.WriteString(line)
			clean.WriteString("\n")
		}
	}
	res.Stdout = clean.String()
	if exitCode == 0 {
		return res, nil
	}
	step := "setup"
	if current >= 0 {
		step = s.Steps[current].Name
	}
	output := strings.TrimSpace(stderr)
	if output == "" {
		output = strings.TrimSpace(res.Stdout)
	}
	return res, &StepError{Script: s.Name, Step: step, ExitCode: exitCode, Output: tail(output, 2048)}
}

func (s Script) markerIndex(line, marker string) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, marker)))
	if err != nil || idx < 0 || idx >= len(s.Steps) {
		return 0, false
	}
	return idx, true
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

// Quote wraps a value in single quotes for safe interpolation into a shell
// command.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
