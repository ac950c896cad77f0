// Package gateway provides the public API for embedding the widget gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/widgetkit/gateway/internal/runtime"
)

// Gateway is the main entry point for running the widget gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Stores
	WithRegistry     = runtime.WithRegistry
	WithCounterStore = runtime.WithCounterStore

	// Observability
	WithLogger  = runtime.WithLogger
	WithMetrics = runtime.WithMetrics
)
