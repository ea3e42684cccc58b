// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"testpilotworker/src/model"
)

// EnvSandbox computes the environment exposed inside the execution
// container. Variables carrying the reserved prefix are dropped from every
// source and logged, never failing the task: a task author cannot smuggle
// a reserved name through envVars, and an operator's allow-list cannot
// forward one by misconfiguration.
type EnvSandbox struct {
	reservedPrefix string
	forwardEnv     []string
	lookupEnv      func(string) (string, bool)
	logger         *slog.Logger
}

func NewEnvSandbox(reservedPrefix string, forwardEnv []string, logger *slog.Logger) *EnvSandbox {
	return &EnvSandbox{
		reservedPrefix: reservedPrefix,
		forwardEnv:     forwardEnv,
		lookupEnv:      os.LookupEnv,
		logger:         logger,
	}
}

// WithLookup overrides the host environment source.
func (s *EnvSandbox) WithLookup(lookup func(string) (string, bool)) *EnvSandbox {
	s.lookupEnv = lookup
	return s
}

// Compute resolves the final key-value environment for a task. Merge order
// is host allow-list, then task envVars, then the computed values; later
// writers win on key collision, so the computed values take precedence over
// both.
func (s *EnvSandbox) Compute(task *model.TaskDescriptor, baseURL string) map[string]string {
	env := make(map[string]string)

	for _, name := range s.forwardEnv {
		if s.reserved(name) {
			s.logger.Warn("reserved variable on the forward allow-list, dropping", "name", name)
			continue
		}
		if value, ok := s.lookupEnv(name); ok {
			env[name] = value
		}
	}

	for name, value := range task.Config.EnvVars {
		if s.reserved(name) {
			s.logger.Debug("dropped reserved task variable", "task", task.TaskID, "name", name)
			continue
		}
		env[name] = value
	}

	env["CI"] = "true"
	if baseURL != "" {
		env["BASE_URL"] = baseURL
	}

	return env
}

// Flatten renders the environment as docker KEY=VALUE pairs in a stable
// order.
func Flatten(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for name, value := range env {
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, value))
	}
	sort.Strings(pairs)
	return pairs
}

func (s *EnvSandbox) reserved(name string) bool {
	if len(name) < len(s.reservedPrefix) {
		return false
	}
	return strings.EqualFold(name[:len(s.reservedPrefix)], s.reservedPrefix)
}
