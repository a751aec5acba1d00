package pubsubbroker

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mapError classifies a Pub/Sub (gRPC) error against the broker error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var kind error
	switch status.Code(err) {
	case codes.NotFound:
		kind = broker.ErrNotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		kind = broker.ErrDeclarationMismatch
	case codes.PermissionDenied:
		kind = broker.ErrResourceLocked
	case codes.InvalidArgument:
		kind = broker.ErrInvalidArgument
	case codes.Unavailable, codes.Unauthenticated, codes.Internal, codes.Aborted:
		kind = broker.ErrConnection
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
