// Package main provides the lwm2m-admin CLI tool for inspecting a running transport.
package main

import (
	"os"

	"github.com/sirosfoundation/go-lwm2m-transport/cmd/lwm2m-admin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
