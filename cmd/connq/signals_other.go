//go:build !unix

package main

import (
	"context"

	"connq/internal/connmgr"
)

func watchFreezeSignals(context.Context, *connmgr.Manager) func() { return func() {} }
