// Command railsimctl drives a running railsim-server over gRPC.
//
//	railsimctl [-addr host:port] start|pause|reset|state|mode NAME
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/railsim/internal/rpc"
	"github.com/signalsfoundry/railsim/internal/sim"
)

var errUsage = errors.New("usage: railsimctl [-addr host:port] [-timeout d] start|pause|reset|state|mode NAME")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
			fmt.Fprintf(os.Stderr, "railsimctl: %s: %s\n", s.Code(), s.Message())
		} else {
			fmt.Fprintf(os.Stderr, "railsimctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("railsimctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "localhost:50051", "railsim-server gRPC address")
	timeout := fs.Duration("timeout", 5*time.Second, "per-call timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd := fs.Args()
	if len(cmd) == 0 {
		return errUsage
	}

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(rpc.RequestIDUnaryClientInterceptor()),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := rpc.NewControlClient(conn)
	var snap *sim.Snapshot
	switch cmd[0] {
	case "start":
		snap, err = client.Start(ctx)
	case "pause":
		snap, err = client.Pause(ctx)
	case "reset":
		snap, err = client.Reset(ctx)
	case "state":
		snap, err = client.GetState(ctx)
	case "mode":
		if len(cmd) != 2 {
			return errUsage
		}
		snap, err = client.SetMode(ctx, cmd[1])
	default:
		return fmt.Errorf("unknown command %q: %w", cmd[0], errUsage)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
