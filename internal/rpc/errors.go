package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/railsim/internal/arbiter"
	"github.com/signalsfoundry/railsim/internal/sim"
)

// ToStatusError maps engine errors to gRPC status errors. Existing status
// errors pass through; anything unrecognised becomes Internal.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sim.ErrRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, sim.ErrInvalidMode),
		errors.Is(err, arbiter.ErrUnknownMode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
