package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorrc/marketplace-realtime/internal/client"
	"github.com/lorrc/marketplace-realtime/internal/config"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/validation"
)

type notifyOptions struct {
	event   domain.EventName
	payload []byte
	wait    time.Duration
}

func parseNotifyFlags(args []string) (notifyOptions, error) {
	var opts notifyOptions
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	fs.DurationVar(&opts.wait, "wait", 10*time.Second, "How long to wait for the connection")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 2 {
		return opts, errors.New("usage: roomctl notify [-wait 10s] <event> <json>")
	}

	opts.event = domain.EventName(fs.Arg(0))
	if !opts.event.IsMutation() {
		return opts, fmt.Errorf("%w: %q is not a mutation event", apperrors.ErrUnknownEvent, opts.event)
	}
	opts.payload = []byte(fs.Arg(1))
	return opts, nil
}

// sendMutation validates payload for event and reports it through f. The
// payload uses the same shape the broker expects on the wire.
func sendMutation(f *client.Facade, event domain.EventName, payload []byte) error {
	switch event {
	case domain.EventNewReview:
		msg, err := validation.Decode[domain.NewReviewMessage](payload)
		if err != nil {
			return err
		}
		f.NotifyNewReview(msg.ProductID, *msg.Review)
	case domain.EventNewProduct, domain.EventProductUpdated:
		msg, err := validation.Decode[domain.ProductMessage](payload)
		if err != nil {
			return err
		}
		if event == domain.EventNewProduct {
			f.NotifyNewProduct(*msg.Product)
		} else {
			f.NotifyProductUpdated(*msg.Product)
		}
	case domain.EventProductDeleted:
		msg, err := validation.Decode[domain.ProductDeletedMessage](payload)
		if err != nil {
			return err
		}
		f.NotifyProductDeleted(msg.ProductID)
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownEvent, event)
	}
	return nil
}

func cmdNotify(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	opts, err := parseNotifyFlags(args)
	if err != nil {
		return err
	}

	f := newFacade(cfg, logger)
	m := f.Manager()
	defer m.Disconnect()

	m.Connect(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	if err := m.WaitForState(waitCtx, client.StateConnected); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNotConnected, err)
	}

	if err := sendMutation(f, opts.event, opts.payload); err != nil {
		return err
	}
	logger.Info("event sent", "event", opts.event)
	return nil
}
