package main

// Adapter blank imports: each import activates a self-registering adapter.
// Add new transports and model providers here as they are implemented.

import (
	_ "github.com/droverhq/drover/internal/adapter/mcpclient"
)
