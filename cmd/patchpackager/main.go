// Command patchpackager produces and verifies the zstd-compressed
// bsdiff-family patches the update engine installs, offline, from an
// (older, newer) artifact pair.
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/shorebirdtech/updater-sub000/internal/inflate"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("patchpackager: %v", err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "patchpackager",
		Short: "Build and verify shorebird-style patches",
	}
	root.AddCommand(makeCmd(), verifyCmd())
	return root
}

func makeCmd() *cobra.Command {
	var older, newer, output string
	cmd := &cobra.Command{
		Use:   "make",
		Short: "Diff two artifact files and write a compressed delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMake(older, newer, output)
		},
	}
	cmd.Flags().StringVar(&older, "older", "", "path to the base artifact")
	cmd.Flags().StringVar(&newer, "newer", "", "path to the target artifact")
	cmd.Flags().StringVar(&output, "output", "", "path to write the compressed delta")
	cmd.MarkFlagRequired("older")
	cmd.MarkFlagRequired("newer")
	cmd.MarkFlagRequired("output")
	return cmd
}

func runMake(olderPath, newerPath, outputPath string) error {
	olderBytes, err := os.ReadFile(olderPath)
	if err != nil {
		return fmt.Errorf("read older artifact %s: %w", olderPath, err)
	}
	newerBytes, err := os.ReadFile(newerPath)
	if err != nil {
		return fmt.Errorf("read newer artifact %s: %w", newerPath, err)
	}

	patch, err := bsdiff.Bytes(olderBytes, newerBytes)
	if err != nil {
		return fmt.Errorf("diff %s -> %s: %w", olderPath, newerPath, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(patch, nil)
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	if err := os.WriteFile(outputPath, compressed, 0o644); err != nil {
		return fmt.Errorf("write delta %s: %w", outputPath, err)
	}
	log.Printf("[patchpackager] wrote %s (%d bytes, %d uncompressed)", outputPath, len(compressed), len(patch))
	return nil
}

func verifyCmd() *cobra.Command {
	var older, delta, newer string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that inflating a delta against the base reproduces the target byte-for-byte",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(older, delta, newer)
		},
	}
	cmd.Flags().StringVar(&older, "older", "", "path to the base artifact")
	cmd.Flags().StringVar(&delta, "delta", "", "path to the compressed delta")
	cmd.Flags().StringVar(&newer, "newer", "", "path to the expected target artifact")
	cmd.MarkFlagRequired("older")
	cmd.MarkFlagRequired("delta")
	cmd.MarkFlagRequired("newer")
	return cmd
}

func runVerify(olderPath, deltaPath, newerPath string) error {
	olderBytes, err := os.ReadFile(olderPath)
	if err != nil {
		return fmt.Errorf("read older artifact %s: %w", olderPath, err)
	}
	wantBytes, err := os.ReadFile(newerPath)
	if err != nil {
		return fmt.Errorf("read expected artifact %s: %w", newerPath, err)
	}

	out, err := os.CreateTemp("", "patchpackager-verify-*")
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(out.Name())
	out.Close()

	if err := inflate.Inflate(deltaPath, bytes.NewReader(olderBytes), out.Name()); err != nil {
		return fmt.Errorf("inflate %s against %s: %w", deltaPath, olderPath, err)
	}

	gotBytes, err := os.ReadFile(out.Name())
	if err != nil {
		return fmt.Errorf("read inflated result: %w", err)
	}
	if !bytes.Equal(gotBytes, wantBytes) {
		return fmt.Errorf("inflate(%s, %s) produced %d bytes, want %d bytes matching %s",
			deltaPath, olderPath, len(gotBytes), len(wantBytes), newerPath)
	}
	log.Printf("[patchpackager] verified: inflate(%s, %s) == %s", deltaPath, olderPath, newerPath)
	return nil
}
