package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/config"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/pkg/types"
)

type requestArgs struct {
	configPath string
	bindAddr   string
	dialAddr   string
	origin     string
	instance   string
	state      string
	confidence float64
	settle     time.Duration
	timeout    time.Duration
}

func newRequestCmd() *cobra.Command {
	var args requestArgs
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish a ProbeRq to a running orchestrator and wait for its reply",
		Long: "request acts as the requester side of the bus: it binds a publisher on the address the\n" +
			"orchestrator subscribes to and listens on the address the orchestrator publishes on.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.configPath, "config", "", "Read bus addresses from this probed configuration file")
	f.StringVar(&args.bindAddr, "bind", "", "Publisher address (default orchestrator.subscribe_addr)")
	f.StringVar(&args.dialAddr, "connect", "", "Subscriber address (default orchestrator.publish_addr)")
	f.StringVar(&args.origin, "origin", "InterSpeciesInterface", "Origin frame of the request; replies are addressed to it")
	f.StringVar(&args.instance, "instance", "", "Target setup name")
	f.StringVar(&args.state, "state", "", "Trial state (cw, ccw, 1, 2, 3, follow; empty alternates)")
	f.Float64Var(&args.confidence, "confidence", 1, "Requester confidence")
	f.DurationVar(&args.settle, "settle", 500*time.Millisecond, "Wait before publishing so the subscriber can join")
	f.DurationVar(&args.timeout, "timeout", 2*time.Minute, "Give up waiting for a reply after this long")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func runRequest(ctx context.Context, out io.Writer, args requestArgs) error {
	if args.configPath != "" {
		cfg, err := config.Load(ctx, args.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if args.bindAddr == "" {
			args.bindAddr = cfg.Orchestrator.SubscribeAddr
		}
		if args.dialAddr == "" {
			args.dialAddr = cfg.Orchestrator.PublishAddr
		}
	}
	if args.bindAddr == "" || args.dialAddr == "" {
		return errors.New("bus addresses are required: pass --config or both --bind and --connect")
	}

	ch, err := channel.OpenZMQ(ctx, channel.ZMQConfig{
		SubscribeAddr: args.dialAddr,
		PublishAddr:   args.bindAddr,
	}, logging.Discard())
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(ctx, args.timeout)
	defer cancel()

	reply, err := sendProbe(ctx, ch, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s %s\n", reply.Origin, reply.Kind, reply.Payload)
	if reply.IsKind(types.KindFailedProbe) {
		return fmt.Errorf("probe failed: %s", reply.Payload)
	}
	return nil
}

func probeRequestMessage(args requestArgs) types.Message {
	payload := types.FormatPayload(
		types.Field{Key: "confidence", Value: strconv.FormatFloat(args.confidence, 'f', -1, 64)},
		types.Field{Key: "state", Value: args.state},
	)
	return types.NewMessage(args.instance, types.KindProbeRequest, args.origin, payload)
}

// sendProbe publishes one request and returns the first ProbeDone or FailedProbe addressed to
// args.origin about args.instance.
func sendProbe(ctx context.Context, ch channel.Channel, args requestArgs) (types.Message, error) {
	channel.Sleep(ctx, args.settle)
	if err := ch.Send(ctx, probeRequestMessage(args)); err != nil {
		return types.Message{}, fmt.Errorf("publish request: %w", err)
	}

	pollCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		reply types.Message
		found bool
	)
	err := channel.Poll(pollCtx, ch, func(msg types.Message) {
		if found || !isReply(msg, args) {
			return
		}
		reply, found = msg, true
		stop()
	}, channel.WithIdleSleep(10*time.Millisecond))
	if found {
		return reply, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return types.Message{}, fmt.Errorf("no reply for %s: %w", args.instance, err)
}

func isReply(msg types.Message, args requestArgs) bool {
	if !msg.IsKind(types.KindProbeDone) && !msg.IsKind(types.KindFailedProbe) {
		return false
	}
	return strings.EqualFold(msg.Target, args.origin) && strings.EqualFold(msg.Origin, args.instance)
}
