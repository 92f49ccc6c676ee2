package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// NewCheckCmd re-reports the quality checks recorded for the newest sealed
// artifact of each selected asset, without materializing anything.
func NewCheckCmd() *cobra.Command {
	var assets []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report quality checks of the newest sealed artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cc, assets)
		},
	}
	cmd.Flags().StringSliceVar(&assets, "assets", nil, "asset selection (default: all registered assets)")
	return cmd
}

func runCheck(ctx context.Context, cc *CLIContext, selection []string) error {
	store, err := openStore(cc.Config, cc.Logger)
	if err != nil {
		return err
	}
	reg := buildRegistry(&assetDeps{cfg: cc.Config, log: cc.Logger})
	if len(selection) == 0 {
		selection = reg.Keys()
	}

	var missing []string
	blocking := false
	for _, key := range selection {
		if _, ok := reg.Get(key); !ok {
			return errors.Newf(errors.ErrCodeAssetNotFound, "unknown asset %q", key)
		}
		meta, err := newestMaterialization(ctx, store, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				missing = append(missing, key)
				continue
			}
			return err
		}
		if len(meta.Checks) == 0 {
			fmt.Fprintf(os.Stdout, "%-28s no checks recorded\n", key)
			continue
		}
		for _, c := range meta.Checks {
			status := "ok"
			if !c.Passed {
				status = "FAILED"
				if c.Blocking() {
					blocking = true
				}
			}
			fmt.Fprintf(os.Stdout, "%-28s %-6s %-5s %s: value %.4f vs threshold %.4f\n",
				key, status, c.Severity, c.Check, c.Value, c.Threshold)
		}
	}
	for _, key := range missing {
		fmt.Fprintf(os.Stdout, "%-28s no sealed artifact\n", key)
	}

	if blocking {
		return errors.New(errors.ErrCodeGateBlocking, "blocking quality checks failed")
	}
	if len(missing) == len(selection) {
		return errors.NotFound("no sealed artifacts for the selection")
	}
	return nil
}

// newestMaterialization finds the most recent sidecar under an asset's key
// prefix and decodes it.
func newestMaterialization(ctx context.Context, store storage.ObjectStore, assetKey string) (*types.Materialization, error) {
	infos, err := store.List(ctx, assetKey+"/")
	if err != nil {
		return nil, err
	}
	best := -1
	for i, info := range infos {
		if !strings.HasSuffix(info.Key, ".meta.json") {
			continue
		}
		if best < 0 || info.ModTime.After(infos[best].ModTime) {
			best = i
		}
	}
	if best < 0 {
		return nil, errors.NotFound("no sealed artifact").WithDetail(assetKey)
	}
	rc, err := store.Open(ctx, infos[best].Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var meta types.Materialization
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "malformed sidecar").WithDetail(infos[best].Key)
	}
	return &meta, nil
}
