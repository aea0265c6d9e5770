package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/uniqued/pkg/uniqueclient"
)

// submitResultView is the JSON-serializable shape of a submit result.
type submitResultView struct {
	File   string `json:"file"`
	Hit    bool   `json:"hit"`
	Digest string `json:"digest"`
	Handle uint32 `json:"handle"`
	Length int64  `json:"length"`
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a file's content to the uniqued daemon and report hit/miss",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := args[0]

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			ctx := context.Background()
			client, err := uniqueclient.Dial(ctx, busAddr)
			if err != nil {
				return fmt.Errorf("dial uniqued: %w", err)
			}
			defer client.Close()

			result, err := client.SubmitInspect(ctx, data)
			if err != nil {
				return fmt.Errorf("submit %s: %w", path, err)
			}

			view := submitResultView{
				File:   path,
				Hit:    result.Hit,
				Digest: result.Digest,
				Handle: result.Handle,
				Length: result.Length,
			}

			return printSubmitResult(view, outputFormat)
		},
	}
}

func printSubmitResult(v submitResultView, format string) error {
	if err := checkFormat(format); err != nil {
		return err
	}

	switch format {
	case formatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		outcome := "miss"
		if v.Hit {
			outcome = "hit"
		}
		fmt.Fprintf(w, "File:\t%s\n", v.File)
		fmt.Fprintf(w, "Outcome:\t%s\n", outcome)
		fmt.Fprintf(w, "Digest:\t%s\n", v.Digest)
		fmt.Fprintf(w, "Length:\t%d\n", v.Length)
		fmt.Fprintf(w, "Handle:\t%d\n", v.Handle)
		return w.Flush()
	}
}
