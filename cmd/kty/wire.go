//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/kty-dev/kty/internal/config"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}
