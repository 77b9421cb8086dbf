// Package vllmmanager is the cobra command tree for the control-plane
// process, mirroring the teacher's cmd/helix layout.
//
// @title       vllmmanager Control API
// @version     1.0
// @description HTTP control plane for on-host vLLM and Ollama inference containers.
// @BasePath    /api
package vllmmanager

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vllmmanager",
		Short: "vllmmanager",
		Long:  "Control plane for on-host vLLM and Ollama inference containers",
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
