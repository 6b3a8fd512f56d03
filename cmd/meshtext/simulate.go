package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
	"github.com/zeusync/meshtext/internal/server"
)

type simulateOptions struct {
	loss       float64
	latency    time.Duration
	seed       int64
	pacing     time.Duration
	ackTimeout time.Duration
	retries    int
	limit      int
	wait       time.Duration
}

var simOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate [text...]",
	Short: "Send a text between two nodes over a lossy in-memory channel",
	Long: `Join two nodes to a simulated radio channel, send the text from one to
the other and report what the sender and receiver observed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.Float64Var(&simOpts.loss, "loss", 0.2, "Probability that a packet is lost")
	f.DurationVar(&simOpts.latency, "latency", 5*time.Millisecond, "One-way packet latency")
	f.Int64Var(&simOpts.seed, "seed", 1, "Random seed of the channel")
	f.DurationVar(&simOpts.pacing, "pacing", 10*time.Millisecond, "Delay between segments")
	f.DurationVar(&simOpts.ackTimeout, "ack-timeout", 100*time.Millisecond, "Wait for each acknowledgment")
	f.IntVar(&simOpts.retries, "retries", protocol.DefaultConfig().MaxRetries, "Retries per segment")
	f.IntVar(&simOpts.limit, "limit", protocol.DefaultByteLimit, "Byte limit per segment")
	f.DurationVar(&simOpts.wait, "wait", time.Second, "How long the receiver waits for the message")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := protocol.DefaultConfig()
	cfg.ByteLimit = simOpts.limit
	cfg.PacingDelay = simOpts.pacing
	cfg.AckTimeout = simOpts.ackTimeout
	cfg.MaxRetries = simOpts.retries
	cfg.ReassemblyTimeout = simOpts.wait
	if err := cfg.Validate(); err != nil {
		return err
	}
	if simOpts.loss < 0 || simOpts.loss > 1 {
		return fmt.Errorf("%w: loss %v outside [0,1]", protocol.ErrInvalidConfiguration, simOpts.loss)
	}

	var logger log.Log = log.NewNop()
	if verbose {
		logger = log.New(log.LevelDebug)
	}

	hub := link.NewHub(link.HubConfig{
		LossRate:   simOpts.loss,
		Latency:    simOpts.latency,
		AckTimeout: simOpts.ackTimeout,
		MaxPayload: simOpts.limit + protocol.FrameHeaderLen,
		Seed:       simOpts.seed,
	})

	sender, err := joinSimulated(hub, 1, cfg, logger)
	if err != nil {
		return err
	}
	defer sender.Close()
	receiver, err := joinSimulated(hub, 2, cfg, logger)
	if err != nil {
		return err
	}
	defer receiver.Close()

	inbox, unsubscribe := receiver.Subscribe(4, server.EventDelivered, server.EventExpired)
	defer unsubscribe()

	text := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	receipt, sendErr := sender.Send(cmd.Context(), receiver.LocalNode(), text)
	if sendErr != nil {
		fmt.Fprintf(out, "sender:   failed: %v\n", sendErr)
	} else {
		fmt.Fprintf(out, "sender:   delivered %d segment(s) in %d attempt(s), %s\n",
			receipt.Segments, receipt.Attempts, receipt.Elapsed.Round(time.Millisecond))
	}

	select {
	case ev := <-inbox:
		if ev.Type == server.EventDelivered {
			fmt.Fprintf(out, "receiver: got %d segment(s): %q\n", ev.Segments, ev.Text)
		} else {
			fmt.Fprintf(out, "receiver: gave up with %d of %d segment(s)\n", ev.SegmentsAcked, ev.Segments)
		}
	case <-time.After(simOpts.wait):
		fmt.Fprintln(out, "receiver: nothing complete")
	}

	stats := hub.Stats()
	fmt.Fprintf(out, "channel:  %d sent, %d delivered, %d dropped, %d acked\n",
		stats.Sent, stats.Delivered, stats.Dropped, stats.Acked)
	return sendErr
}

func joinSimulated(hub *link.Hub, id protocol.NodeID, cfg protocol.Config, logger log.Log) (*server.Node, error) {
	ep, err := hub.Join(id)
	if err != nil {
		return nil, err
	}
	return server.NewNode(ep, cfg, logger)
}
