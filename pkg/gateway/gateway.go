// Package gateway provides the public API for embedding the ByteProxy gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/bytebrushstudios/byteproxy/internal/runtime"
)

// Gateway forwards requests to registered upstream services.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Version is the gateway release.
const Version = runtime.Version

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/byteproxy.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Storage
	WithSQLite = runtime.WithSQLite

	// Advanced options
	WithLogger         = runtime.WithLogger
	WithAddr           = runtime.WithAddr
	WithCredentials    = runtime.WithCredentials
	WithConfigProvider = runtime.WithConfigProvider
	WithServiceStore   = runtime.WithServiceStore
)
