package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// metricsURL is the uniqued Prometheus endpoint scraped by stat.
var metricsURL string

// statView is the JSON-serializable shape of the scraped store statistics.
type statView struct {
	Blobs        float64 `json:"blobs"`
	Peers        float64 `json:"peers"`
	RealSize     float64 `json:"real_size_bytes"`
	ApparentSize float64 `json:"apparent_size_bytes"`
	SavingsRatio float64 `json:"savings_ratio"`
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Scrape the uniqued daemon's Prometheus endpoint for a dedup summary",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			httpClient := &http.Client{Timeout: 5 * time.Second}

			resp, err := httpClient.Get(metricsURL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", metricsURL, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch %s: status %s", metricsURL, resp.Status)
			}

			view, err := parseStatMetrics(resp.Body)
			if err != nil {
				return fmt.Errorf("parse metrics: %w", err)
			}

			return printStat(view, outputFormat)
		},
	}
}

// parseStatMetrics extracts the uniqued_blobstore_* gauges from a
// Prometheus text-exposition response. Lines are matched by exact metric
// name; labels (none are emitted on these gauges) are ignored.
func parseStatMetrics(r io.Reader) (statView, error) {
	scanner := bufio.NewScanner(r)
	var v statView

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}

		name, valStr := fields[0], fields[1]
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}

		switch name {
		case "uniqued_blobstore_blobs":
			v.Blobs = val
		case "uniqued_blobstore_peers":
			v.Peers = val
		case "uniqued_blobstore_real_size_bytes":
			v.RealSize = val
		case "uniqued_blobstore_apparent_size_bytes":
			v.ApparentSize = val
		case "uniqued_blobstore_savings_ratio":
			v.SavingsRatio = val
		}
	}

	return v, nil
}

func printStat(v statView, format string) error {
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
		fmt.Fprintf(w, "Blobs:\t%.0f\n", v.Blobs)
		fmt.Fprintf(w, "Peers:\t%.0f\n", v.Peers)
		fmt.Fprintf(w, "Real Size:\t%.0f bytes\n", v.RealSize)
		fmt.Fprintf(w, "Apparent Size:\t%.0f bytes\n", v.ApparentSize)
		fmt.Fprintf(w, "Savings Ratio:\t%.2fx\n", v.SavingsRatio)
		return w.Flush()
	}
}
