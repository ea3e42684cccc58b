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

package logging

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "go.opentelemetry.io/otel/testpilot/worker"

// NewLogger returns a slog.Logger bridged into the OTel log pipeline, tagged
// with the component name. Components receive their logger at construction
// rather than reaching for a package global.
func NewLogger(component string) *slog.Logger {
	return otelslog.NewLogger(instrumentationName).With("component", component)
}

// NewFloatCounter registers a Float64Counter on the worker meter.
func NewFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	return otel.Meter(instrumentationName).Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
}
