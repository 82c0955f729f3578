package toolenv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Package is one installed package in a plugin environment.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// EnvInfo is the structural report for one plugin directory: which
// contract files exist, the state of the environment, and what is
// installed in it.
type EnvInfo struct {
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	HasEntry        bool      `json:"has_tool_py"`
	HasRequirements bool      `json:"has_requirements"`
	HasVenv         bool      `json:"has_venv"`
	Interpreter     string    `json:"python_executable,omitempty"`
	InterpreterOK   bool      `json:"venv_valid"`
	PipVersion      string    `json:"pip_version,omitempty"`
	Packages        []Package `json:"installed_packages,omitempty"`
	PackagesErr     string    `json:"packages_error,omitempty"`
	Requirements    []string  `json:"requirements_list,omitempty"`
	EntrySize       int64     `json:"tool_py_size,omitempty"`
	EntryModified   time.Time `json:"tool_py_modified,omitempty"`
}

// Describe builds the structural report for a plugin directory. It
// never fails outright; partial information is reported with the
// corresponding error fields set.
func (m *Manager) Describe(ctx context.Context, dir string) *EnvInfo {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	info := &EnvInfo{
		Name: filepath.Base(dir),
		Path: abs,
	}

	if st, err := os.Stat(filepath.Join(dir, EntryFileName)); err == nil {
		info.HasEntry = true
		info.EntrySize = st.Size()
		info.EntryModified = st.ModTime()
	}
	if _, err := os.Stat(filepath.Join(dir, RequirementsFileName)); err == nil {
		info.HasRequirements = true
		if reqs, err := ReadRequirements(dir); err == nil {
			info.Requirements = reqs
		}
	}
	if _, err := os.Stat(VenvPath(dir)); err == nil {
		info.HasVenv = true
	}

	if !info.HasVenv {
		return info
	}

	interp, err := m.InterpreterPath(dir)
	if err != nil {
		return info
	}
	info.Interpreter = interp
	info.InterpreterOK = true

	pipCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(pipCtx, interp, "-m", "pip", "--version").Output(); err == nil {
		info.PipVersion = strings.TrimSpace(string(out))
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, interp, "-m", "pip", "list", "--format=json").Output()
	if err != nil {
		info.PackagesErr = err.Error()
		return info
	}
	if err := json.Unmarshal(out, &info.Packages); err != nil {
		info.PackagesErr = fmt.Sprintf("parsing pip list output: %v", err)
	}
	return info
}

// Health classification for Diagnose.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Issue is one diagnosed problem with a recommendation.
type Issue struct {
	Severity       string `json:"severity"`
	Problem        string `json:"problem"`
	Recommendation string `json:"recommendation"`
}

// Diagnosis classifies the health of one plugin environment.
type Diagnosis struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Issues []Issue `json:"issues"`
}

// Diagnose derives a health report from the structural description.
// Overall status is the worst issue severity found.
func (m *Manager) Diagnose(ctx context.Context, dir string) *Diagnosis {
	info := m.Describe(ctx, dir)
	d := &Diagnosis{Name: info.Name, Status: StatusHealthy}

	critical := func(problem, rec string) {
		d.Issues = append(d.Issues, Issue{Severity: StatusCritical, Problem: problem, Recommendation: rec})
		d.Status = StatusCritical
	}
	warning := func(problem, rec string) {
		d.Issues = append(d.Issues, Issue{Severity: StatusWarning, Problem: problem, Recommendation: rec})
		if d.Status == StatusHealthy {
			d.Status = StatusWarning
		}
	}

	if !info.HasEntry {
		critical("missing tool.py entry file",
			"create tool.py defining the plugin's public functions")
	}
	if !info.HasVenv {
		critical("missing virtual environment",
			"run repair to create the environment and install requirements")
		return d
	}
	if !info.InterpreterOK {
		critical("environment has no working interpreter",
			"run repair with force to recreate the environment")
		return d
	}
	if info.PipVersion == "" {
		critical("package installer missing or broken",
			"run repair with force to recreate the environment")
	}
	if info.HasRequirements && len(info.Requirements) > 0 && len(info.Packages) <= baselinePackageCount {
		warning("requirements.txt present but no packages installed",
			"run repair to install declared requirements")
	}
	if !m.baselineRuntimeOK(ctx, info.Interpreter) {
		critical("interpreter cannot load baseline runtime modules",
			"run repair with force to recreate the environment")
	}
	return d
}

// baselinePackageCount is the number of packages a fresh environment
// ships with (the installer toolchain itself).
const baselinePackageCount = 2

// baselineRuntimeOK verifies the interpreter can import the standard
// library modules the worker scripts rely on.
func (m *Manager) baselineRuntimeOK(ctx context.Context, interpreter string) bool {
	if interpreter == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, interpreter, "-c", "import json, inspect, importlib.util").Run() == nil
}
