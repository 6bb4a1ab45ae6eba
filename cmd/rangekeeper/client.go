package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	rkhttp "github.com/pg-sharding/rangekeeper/http"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	shardKey    string
	hashName    string
	shardID     string
	splitPoints []string
	splitAt     string
	minKey      string
	maxKey      string
	timeout     time.Duration
)

var httpClient = &http.Client{}

func apiURL(path string) string {
	base := endpoint
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + "/api/v1" + path
}

// call sends req as JSON and decodes the reply into res. Non-2xx replies
// are returned as errors carrying the server message.
func call(cmd *cobra.Command, method, path string, req, res any) error {
	var body io.Reader
	if req != nil {
		buf, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(cmd.Context(), method, apiURL(path), body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "failed to reach %s", endpoint)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if res == nil {
		return nil
	}
	return json.Unmarshal(raw, res)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type rangesReply struct {
	Version string                 `json:"version"`
	Ranges  []rkhttp.RangeResponse `json:"ranges"`
}

func printRanges(cmd *cobra.Command, r rangesReply) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "MIN\tMAX\tSHARD\tVERSION\n")
	for _, rng := range r.Ranges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rng.Min, rng.Max, rng.Shard, rng.Version)
	}
	fmt.Fprintf(w, "routing version %s\n", r.Version)
	return w.Flush()
}

var shardCollectionCmd = &cobra.Command{
	Use:   "shard-collection <namespace>",
	Short: "shard a collection on a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res rangesReply
		if err := call(cmd, http.MethodPost, "/collections", rkhttp.ShardCollectionRequest{
			Namespace:   args[0],
			Key:         shardKey,
			Hash:        hashName,
			Shard:       shardID,
			SplitPoints: splitPoints,
		}, &res); err != nil {
			return err
		}
		return printRanges(cmd, res)
	},
}

var moveChunkCmd = &cobra.Command{
	Use:   "move-chunk <namespace> --min <key> --max <key> --to <shard>",
	Short: "migrate one chunk to another shard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]any
		if err := call(cmd, http.MethodPost, "/moveChunk", rkhttp.MoveChunkRequest{
			RangeRequest: rkhttp.RangeRequest{Namespace: args[0], Min: minKey, Max: maxKey},
			ToShard:      shardID,
		}, &res); err != nil {
			return err
		}
		return printJSON(cmd, res["migration"])
	},
}

var splitChunkCmd = &cobra.Command{
	Use:   "split-chunk <namespace> --at <key>",
	Short: "split the chunk containing a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]any
		if err := call(cmd, http.MethodPost, "/splitChunk", rkhttp.SplitChunkRequest{
			Namespace: args[0],
			At:        splitAt,
		}, &res); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "routing version %v\n", res["version"])
		return err
	},
}

var mergeChunksCmd = &cobra.Command{
	Use:   "merge-chunks <namespace> --min <key> --max <key>",
	Short: "merge contiguous chunks of one shard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]any
		if err := call(cmd, http.MethodPost, "/mergeChunks", rkhttp.RangeRequest{
			Namespace: args[0],
			Min:       minKey,
			Max:       maxKey,
		}, &res); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "routing version %v\n", res["version"])
		return err
	},
}

var cleanupOrphanedCmd = &cobra.Command{
	Use:   "cleanup-orphaned <namespace>",
	Short: "delete documents a shard holds but does not own, waiting until done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, http.MethodPost, "/cleanupOrphaned", rkhttp.CleanupOrphanedRequest{
			RangeRequest: rkhttp.RangeRequest{Namespace: args[0], Min: minKey, Max: maxKey},
			Shard:        shardID,
			Timeout:      timeout.String(),
		}, nil); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return err
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "show routing and migration state",
}

var showRangesCmd = &cobra.Command{
	Use:   "ranges <namespace>",
	Short: "show the routing table of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res rangesReply
		if err := call(cmd, http.MethodGet, "/collections/"+url.PathEscape(args[0])+"/ranges", nil, &res); err != nil {
			return err
		}
		return printRanges(cmd, res)
	},
}

var showHistoryCmd = &cobra.Command{
	Use:   "history <namespace>",
	Short: "show routing changes of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			History []rkhttp.HistoryResponse `json:"history"`
		}
		if err := call(cmd, http.MethodGet, "/collections/"+url.PathEscape(args[0])+"/history", nil, &res); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "VERSION\tTIME\tKIND\tMIN\tMAX\tFROM\tTO\n")
		for _, e := range res.History {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Version, e.Timestamp.Format(time.RFC3339), e.Kind, e.Min, e.Max, e.FromShard, e.ToShard)
		}
		return w.Flush()
	},
}

var showMigrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "show active and recently finished migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var active, recent map[string]any
		if err := call(cmd, http.MethodGet, "/migrations", nil, &active); err != nil {
			return err
		}
		if err := call(cmd, http.MethodGet, "/recentMigrations", nil, &recent); err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"active": active["migrations"],
			"recent": recent["migrations"],
		})
	},
}

var showDeletionsCmd = &cobra.Command{
	Use:   "deletions <shard>",
	Short: "show the range deletion queue of a shard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]any
		if err := call(cmd, http.MethodGet, "/shards/"+url.PathEscape(args[0])+"/rangeDeletions", nil, &res); err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var showOrphansCmd = &cobra.Command{
	Use:   "orphans <namespace>",
	Short: "count orphaned documents per shard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Orphans map[string]int `json:"orphans"`
		}
		if err := call(cmd, http.MethodGet, "/collections/"+url.PathEscape(args[0])+"/orphans", nil, &res); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "SHARD\tORPHANS\n")
		for id, n := range res.Orphans {
			fmt.Fprintf(w, "%s\t%d\n", id, n)
		}
		return w.Flush()
	},
}
