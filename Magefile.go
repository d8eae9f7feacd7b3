//go:build mage
// +build mage

package main

import (
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

// Build compiles the hub and client binaries.
func Build() error {
	if err := sh.Run(mg.GoCmd(), "build", "./cmd/datahub-hub"); err != nil {
		return err
	}
	return sh.Run(mg.GoCmd(), "build", "./cmd/datahub-client")
}

// Test runs the full test suite.
func Test() error {
	args := []string{"test"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, "./...")
	return sh.Run(mg.GoCmd(), args...)
}
