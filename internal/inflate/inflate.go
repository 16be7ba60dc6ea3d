// Package inflate implements C6: reconstructing a patched artifact from a
// zstd-compressed bsdiff-family delta applied against a base artifact.
//
// The delta is decompressed and applied concurrently, coupled through an
// in-process io.Pipe so the two overlap instead of materializing the full
// uncompressed delta before applying it. The decompression worker has no
// explicit cancellation channel: if the applier stops reading (because it
// errored), the worker's next pipe write fails and it exits.
package inflate

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/klauspost/compress/zstd"
)

// Inflate reads the zstd-compressed delta at deltaPath, applies it as a
// bsdiff-family patch against base, and writes the reconstructed artifact
// to outPath.
func Inflate(deltaPath string, base io.ReadSeeker, outPath string) error {
	deltaFile, err := os.Open(deltaPath)
	if err != nil {
		return fmt.Errorf("open delta %s: %w", deltaPath, err)
	}
	defer deltaFile.Close()

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output %s: %w", outPath, err)
	}
	defer outFile.Close()
	out := bufio.NewWriter(outFile)

	pr, pw := io.Pipe()

	workerErr := make(chan error, 1)
	go func() {
		defer pw.Close()
		dec, err := zstd.NewReader(bufio.NewReader(deltaFile))
		if err != nil {
			workerErr <- fmt.Errorf("create zstd reader: %w", err)
			pw.CloseWithError(err)
			return
		}
		defer dec.Close()

		if _, err := io.Copy(pw, dec); err != nil {
			log.Printf("[inflate] decompression worker failed for %s: %v", deltaPath, err)
			workerErr <- err
			pw.CloseWithError(err)
			return
		}
		workerErr <- nil
	}()

	if err := bspatch.Reader(base, out, pr); err != nil {
		pr.CloseWithError(err)
		<-workerErr
		return fmt.Errorf("apply patch: %w", err)
	}

	if err := <-workerErr; err != nil {
		return fmt.Errorf("decompress delta %s: %w", deltaPath, err)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flush output %s: %w", outPath, err)
	}
	return nil
}
