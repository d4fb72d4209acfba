// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command pbftd is the host binary for the PBFT ordering library: it does
// not itself carry network transport or the view-change subprotocol (both
// are external collaborators a real deployment supplies), but it does
// validate and report on config.Parameters the way a replica operator
// would before turning a group up.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/pbft/config"
)

var rootCmd = &cobra.Command{
	Use:   "pbftd",
	Short: "Tools for validating and inspecting PBFT replica-group parameters",
}

func main() {
	rootCmd.AddCommand(paramsCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect and validate replica-group parameters",
	}
	cmd.AddCommand(paramsCheckCmd(), paramsShowCmd())
	return cmd
}

func namedParams(network string) (config.Parameters, error) {
	switch network {
	case "mainnet":
		return config.MainnetParams(), nil
	case "testnet":
		return config.TestnetParams(), nil
	case "local":
		return config.LocalParams(), nil
	case "default":
		return config.DefaultParams(), nil
	default:
		return config.Parameters{}, fmt.Errorf("unknown network preset %q (want mainnet, testnet, local, or default)", network)
	}
}

func paramsShowCmd() *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a named parameter preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := namedParams(network)
			if err != nil {
				return err
			}
			printParams(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "default", "preset to print: mainnet, testnet, local, default")
	return cmd
}

func paramsCheckCmd() *cobra.Command {
	var (
		network   string
		n, f      int
		watermark uint32
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a parameter set, optionally overriding n/f/watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := namedParams(network)
			if err != nil {
				return err
			}
			if n > 0 {
				p.N = n
			}
			if f > 0 {
				p.F = f
			}
			if watermark > 0 {
				p.Watermark = watermark
			}

			printParams(p)
			if err := p.Valid(); err != nil {
				fmt.Printf("\nINVALID: %v\n", err)
				return err
			}
			fmt.Println("\nOK: parameters satisfy N=3F+1 and the PBFT structural invariants")
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "default", "base preset: mainnet, testnet, local, default")
	cmd.Flags().IntVar(&n, "n", 0, "override replica count (0 keeps the preset value)")
	cmd.Flags().IntVar(&f, "f", 0, "override Byzantine fault tolerance (0 keeps the preset value)")
	cmd.Flags().Uint32Var(&watermark, "watermark", 0, "override watermark window size (0 keeps the preset value)")
	return cmd
}

func printParams(p config.Parameters) {
	fmt.Printf("N:                  %d\n", p.N)
	fmt.Printf("F:                  %d\n", p.F)
	fmt.Printf("Quorum (2F+1):      %d\n", p.Quorum())
	fmt.Printf("Watermark:          %d\n", p.Watermark)
	fmt.Printf("CheckpointPeriod:   %d\n", p.CheckpointPeriod)
	fmt.Printf("RequestTimeout:     %s\n", p.RequestTimeout)
	fmt.Printf("ViewChangeTimeout:  %s\n", p.ViewChangeTimeout)
	fmt.Printf("ConnRetries:        %d\n", p.ConnRetries)
	fmt.Printf("ConnRetryInterval:  %s\n", p.ConnRetryInterval)
	fmt.Printf("RelaxedPersistence: %t\n", p.RelaxedPersistence)
}
