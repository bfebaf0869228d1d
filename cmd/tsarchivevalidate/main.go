// tsarchivevalidate reads back timeslices previously written to the S3
// archive sink (SPEC_FULL.md §3) and checks the invariants a healthy
// archive run should never violate: a positive duration, and
// component byte ranges that don't overlap within the assembled
// content.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cbm-fles/tscpipe/internal/archive"
	"github.com/cbm-fles/tscpipe/internal/logging"
	"github.com/cbm-fles/tscpipe/internal/wire"
)

var (
	bucket    string
	prefix    string
	region    string
	endpoint  string
	tsIDsFlag string
)

var rootCmd = &cobra.Command{
	Use:   "tsarchivevalidate",
	Short: "validate archived timeslices in an S3 bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&bucket, "bucket", "", "S3 bucket name")
	flags.StringVar(&prefix, "prefix", "", "key prefix under the bucket")
	flags.StringVar(&region, "region", "", "AWS region")
	flags.StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint override")
	flags.StringVar(&tsIDsFlag, "ts-ids", "", "comma-separated ts_id(s) to validate")
	rootCmd.MarkFlagRequired("bucket")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, _, err := logging.Init(&logging.Config{Level: "info"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	sink, err := archive.New(ctx, archive.Config{
		Bucket:   bucket,
		Prefix:   prefix,
		Region:   region,
		Endpoint: endpoint,
	}, log)
	if err != nil {
		return err
	}

	tsIDs, err := parseTsIDs(tsIDsFlag)
	if err != nil {
		return err
	}

	var failures int
	for _, id := range tsIDs {
		desc, content, err := sink.Get(ctx, id)
		if err != nil {
			log.Errorw("fetch failed", "ts_id", id, "error", err)
			failures++
			continue
		}
		if err := validate(desc, content); err != nil {
			log.Errorw("validation failed", "ts_id", id, "error", err)
			failures++
			continue
		}
		log.Infow("validated", "ts_id", id, "components", len(desc.Components))
	}

	if failures > 0 {
		os.Exit(1)
	}
	return nil
}

func parseTsIDs(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("--ts-ids is required")
	}
	var ids []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ts_id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// validate checks duration_ns > 0 and that no two components' content
// ranges overlap within the assembled buffer.
func validate(desc *wire.StDescriptor, content []byte) error {
	if desc.DurationNs == 0 {
		return fmt.Errorf("duration_ns must be positive, got 0")
	}

	type span struct{ start, end uint64 }
	var spans []span
	for _, c := range desc.Components {
		if c.Content.Size == 0 {
			continue
		}
		spans = append(spans, span{start: c.Content.Offset, end: c.Content.Offset + c.Content.Size})
	}
	for i := 0; i < len(spans); i++ {
		if spans[i].end > uint64(len(content)) {
			return fmt.Errorf("component %d content range [%d,%d) exceeds archived content length %d",
				i, spans[i].start, spans[i].end, len(content))
		}
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				return fmt.Errorf("components %d and %d overlap: [%d,%d) vs [%d,%d)",
					i, j, spans[i].start, spans[i].end, spans[j].start, spans[j].end)
			}
		}
	}
	return nil
}
