package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/ucti/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a dated posts snapshot into the backup dir",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a posts snapshot, skipping posts already present",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, _, dirs, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	path, err := export.New(svc.Store(), slog.Default()).Export(ctx, dirs.Backup)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runImport(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, _, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := export.New(svc.Store(), slog.Default()).Import(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%d posts imported\n", n)
	return nil
}
