package orchestrator

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/oai"
)

// Stream drives a run in streaming mode, calling emit once per text fragment
// in exact arrival order. emit's return is the consumer's acknowledgement: a
// non-nil error means the consumer is gone, and the relay stops reading
// without touching the remote run. Tool calls are resolved transparently
// between fragments. The relay lives at most relayTimeout; expiry surfaces
// as ErrRelayTimeout, distinct from a backend RunFailure.
func (d *Driver) Stream(ctx context.Context, p Params, emit func(fragment string) error) error {
	if err := d.gate.Acquire(ctx); err != nil {
		return err
	}
	defer d.gate.Release()

	asst, se, err := d.prepare(ctx, p)
	if err != nil {
		return err
	}

	viable := false
	defer func() { se.settle(viable) }()

	relayCtx, cancel := context.WithTimeout(ctx, d.relayTimeout)
	defer cancel()

	stream, err := d.conv.StreamRun(relayCtx, p.ThreadID, asst.ID, p.Instructions)
	if err != nil {
		return relayError(ctx, relayCtx, err)
	}
	defer func() { stream.Close() }()

	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			// Wire stream ended without an explicit terminal event; the run
			// finished and there is nothing left to relay.
			return nil
		}
		if err != nil {
			return relayError(ctx, relayCtx, err)
		}

		switch e := event.(type) {
		case oai.MessageDelta:
			for _, segment := range e.Segments {
				if segment == "" {
					continue
				}
				if err := emit(segment); err != nil {
					log.Debug().Str("thread_id", p.ThreadID).
						Msg("stream consumer gone, stopping relay")
					return err
				}
			}

		case oai.ActionRequired:
			viable = true
			outputs := d.dispatcher.Resolve(relayCtx, toolContextFrom(p), e.ToolCalls)
			stream.Close()
			next, err := d.conv.StreamToolOutputs(relayCtx, p.ThreadID, e.RunID, outputs)
			if err != nil {
				return relayError(ctx, relayCtx, err)
			}
			stream = next

		case oai.RunCompleted:
			viable = true
			return nil

		case oai.RunFailed:
			return &RunFailure{RunID: e.RunID, Status: e.Status, Message: e.Message}
		}
	}
}

// relayError distinguishes the relay ceiling from other failures: only when
// the relay deadline fired while the caller was still interested do we report
// a timeout.
func relayError(parent, relayCtx context.Context, err error) error {
	if relayCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return ErrRelayTimeout
	}
	return err
}
