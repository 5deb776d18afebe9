package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/minion"
)

const (
	interruptLogger     = "lattice.interrupt"
	interruptAckTimeout = 30 * time.Second
)

// logSender is the part of a session used to push interrupts
type logSender interface {
	Log(ctx context.Context, params *mcp.LoggingMessageParams) error
}

// InterruptRequest is pushed to an attached execution layer. It answers
// with interrupt_ack carrying the same interrupt_id.
type InterruptRequest struct {
	InterruptID    string `json:"interrupt_id"`
	MinionID       string `json:"minion_id"`
	AbandonPartial bool   `json:"abandon_partial"`
}

// interruptBroker relays interrupts to execution layers over their MCP
// session and waits for the matching acknowledgment.
type interruptBroker struct {
	mu      sync.Mutex
	pending map[string]chan error
	timeout time.Duration
}

func newInterruptBroker() *interruptBroker {
	return &interruptBroker{
		pending: make(map[string]chan error),
		timeout: interruptAckTimeout,
	}
}

func (b *interruptBroker) handler(session logSender, minionID string) minion.InterruptHandler {
	return func(ctx context.Context, opts compaction.InterruptOptions) error {
		req := InterruptRequest{
			InterruptID:    uuid.NewString(),
			MinionID:       minionID,
			AbandonPartial: opts.AbandonPartial,
		}
		ch := make(chan error, 1)
		b.mu.Lock()
		b.pending[req.InterruptID] = ch
		b.mu.Unlock()
		defer b.drop(req.InterruptID)

		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		if err := session.Log(ctx, &mcp.LoggingMessageParams{
			Logger: interruptLogger,
			Level:  "warning",
			Data:   req,
		}); err != nil {
			return fmt.Errorf("deliver interrupt: %w", err)
		}

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return fmt.Errorf("interrupt %s not acknowledged: %w", req.InterruptID, ctx.Err())
		}
	}
}

func (b *interruptBroker) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// ack completes a pending interrupt. A non-empty failure is returned to the
// waiting caller as an error.
func (b *interruptBroker) ack(id, failure string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("interrupt not found or already acknowledged: %s", id)
	}
	var err error
	if failure != "" {
		err = errors.New(failure)
	}
	ch <- err
	return nil
}
