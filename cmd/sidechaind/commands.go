package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/celer-network/go-sidechain/aggregator"
	"github.com/celer-network/go-sidechain/anchor"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the stage loop and the anchor watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := newNode(ctx, c)
			if err != nil {
				return err
			}
			defer n.Close()

			if c.Metrics.Address != "" {
				serveMetrics(ctx, c.Metrics.Address)
			}

			submitter := aggregator.NewStageSubmitter(n.protocol, n.client != nil && c.Stage.Submit)
			agg := aggregator.NewAggregator(n.ledger, submitter, c.Ledger.Workers, c.Stage.Interval)
			agg.Start(ctx)
			defer agg.Stop()

			if n.client != nil {
				var start *uint64
				if c.Anchor.StartBlock > 0 {
					start = &c.Anchor.StartBlock
				}
				watcher := anchor.NewWatcher(n.client, n.protocol, start)
				go func() {
					if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error().Err(err).Msg("anchor watcher stopped")
						stop()
					}
				}()
			}

			logger.Info().Str("db", c.DB.Backend).Dur("stageInterval", c.Stage.Interval).Msg("sidechaind started")
			<-ctx.Done()
			logger.Info().Msg("shutting down")
			return nil
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the stage height, halt marker and stages awaiting anchoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := newNode(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer n.Close()

			expected, err := n.protocol.ExpectedStageHeight()
			if err != nil {
				return err
			}
			haltedAt, halted, err := n.protocol.Halted()
			if err != nil {
				return err
			}
			pending, err := n.protocol.PendingStages()
			if err != nil {
				return err
			}
			entries, err := n.ledger.Receipts().PendingEntries()
			if err != nil {
				return err
			}

			status := map[string]interface{}{
				"expectedStageHeight": expected,
				"pendingReceipts":     len(entries),
			}
			if halted {
				status["haltedAt"] = haltedAt
			}
			var stages []map[string]interface{}
			for _, s := range pending {
				stages = append(stages, map[string]interface{}{
					"height":      s.Height,
					"receiptRoot": s.ReceiptRoot.Hex(),
					"accountRoot": s.AccountRoot.Hex(),
					"anchorTx":    s.AnchorTx.Hex(),
				})
			}
			status["pendingStages"] = stages
			return printYAML(cmd, status)
		},
	}
}

func sliceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "slice <stageHeight> <receiptHash>",
		Short: "Print the inclusion proof of a receipt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("stage height: %w", err)
			}
			receiptHash, err := parseHash(args[1])
			if err != nil {
				return err
			}
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := newNode(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer n.Close()

			slice, err := n.protocol.Slice(height, receiptHash)
			if err != nil {
				return err
			}
			var elements, proof []string
			for _, e := range slice.LeafElements {
				elements = append(elements, e.Hex())
			}
			for _, p := range slice.Proof {
				proof = append(proof, p.String())
			}
			return printYAML(cmd, map[string]interface{}{
				"stageHeight":  slice.StageHeight,
				"slot":         slice.Slot,
				"nodeIndex":    slice.NodeIndex,
				"leafHash":     slice.LeafHash.Hex(),
				"leafElements": elements,
				"proof":        proof,
				"receiptRoot":  slice.ReceiptRoot.Hex(),
			})
		},
	}
}

func clearHaltCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-halt",
		Short: "Allow stage commits again after an anchor mismatch was reconciled",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := newNode(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer n.Close()
			return n.protocol.ClearHalt(cmd.Context())
		},
	}
}

func printConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func printYAML(cmd *cobra.Command, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
