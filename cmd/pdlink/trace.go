package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxplot/go-pdlink/trace"
)

var traceFailedOnly bool

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a message trace recorded by sim",
	Long: `Decode the CBOR message trace written by sim --trace and print one line per
received or transmitted frame, with its outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().BoolVar(&traceFailedOnly, "failed", false, "Only print frames that failed")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return printTrace(cmd.OutOrStdout(), f, traceFailedOnly)
}

func printTrace(w io.Writer, r io.Reader, failedOnly bool) error {
	tr := trace.NewReader(r)
	for {
		rec, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if failedOnly && rec.Result == "" {
			continue
		}
		fmt.Fprintln(w, rec)
	}
}
