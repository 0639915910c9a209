package controller

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/c360studio/semmission/mission"
	"github.com/c360studio/semmission/transport"
)

// run owns the transport for the lifetime of the controller.
func (c *Controller) run(ctx context.Context, ref mission.Ref, lastEventID string) {
	defer close(c.done)
	defer c.stopPersist()

	// The first connect gets the full retry budget; each reconnect is a
	// single dial.
	dials := c.retry.MaxAttempts
	reconnects := 0
	for {
		stream, attempts, err := c.connect(ctx, ref, lastEventID, dials)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failTransport(&mission.TransportError{Attempts: attempts, Err: err})
			return
		}

		received, err := c.consume(stream)
		stream.Close()
		resumeID, tracked := resumePoint(stream)

		switch {
		case ctx.Err() != nil:
			return
		case c.Snapshot().IsTerminal():
			c.logger.Info("Mission finished", "mission", ref.String(), "phase", c.Snapshot().Phase)
			return
		}

		if received > 0 {
			reconnects = 0
		}
		if reconnects >= c.maxReconnects {
			if c.maxReconnects == 0 && errors.Is(err, io.EOF) {
				c.logger.Debug("Stream ended", "mission", ref.String())
				return
			}
			c.failTransport(&mission.TransportError{Attempts: reconnects + 1, Err: streamLost(err)})
			return
		}

		reconnects++
		dials = 1
		c.metrics.reconnects.Inc()
		lastEventID = c.Snapshot().LastEventID
		if tracked {
			lastEventID = resumeID
		}
		c.logger.Warn("Stream lost, reconnecting",
			"mission", ref.String(),
			"last_event_id", lastEventID,
			"events_received", received,
			"error", err)
	}
}

// resumePoint returns the id the stream itself last saw, when it tracks one.
func resumePoint(stream transport.Stream) (string, bool) {
	r, ok := stream.(transport.Resumer)
	if !ok || r.LastEventID() == "" {
		return "", false
	}
	return r.LastEventID(), true
}

func streamLost(err error) error {
	if errors.Is(err, io.EOF) {
		return errors.New("stream closed by server")
	}
	return err
}

// connect dials up to maxAttempts times with exponential backoff. Errors the
// server will keep returning, such as an unknown mission, are not retried.
func (c *Controller) connect(ctx context.Context, ref mission.Ref, lastEventID string, maxAttempts int) (transport.Stream, int, error) {
	maxAttempts = max(maxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stream, err := c.dialer.Dial(ctx, ref, lastEventID)
		if err == nil {
			c.logger.Debug("Stream connected", "mission", ref.String(), "attempt", attempt, "last_event_id", lastEventID)
			return stream, attempt, nil
		}
		lastErr = err
		c.metrics.connectFailures.Inc()

		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if transport.IsFatal(err) {
			c.logger.Warn("Stream connect failed permanently", "mission", ref.String(), "error", err)
			return nil, attempt, err
		}

		if attempt < maxAttempts {
			backoff := c.retry.Backoff(attempt)
			c.logger.Debug("Stream connect failed, retrying",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, maxAttempts, lastErr
}

// consume applies events until the stream fails or the mission ends.
func (c *Controller) consume(stream transport.Stream) (int, error) {
	received := 0
	for {
		ev, err := stream.Next()
		if err != nil {
			return received, err
		}
		received++
		if c.dispatch(ev).IsTerminal() {
			return received, nil
		}
	}
}

// dispatch applies one event and notifies subscribers before returning.
func (c *Controller) dispatch(ev mission.Event) mission.StreamState {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	prev := c.Snapshot()
	if ev.ID != "" && ev.ID == prev.LastEventID {
		return prev
	}

	next := mission.Reduce(prev, ev)
	c.setState(next)
	c.metrics.eventsApplied.WithLabelValues(string(ev.Type)).Inc()

	if next.LastError != prev.LastError && next.LastError != nil && next.LastError.Kind == mission.ErrorKindProtocol {
		c.metrics.protocolErrors.Inc()
		c.logger.Warn("Protocol error on stream",
			"mission_id", next.MissionID,
			"event_type", ev.Type,
			"event_id", ev.ID,
			"error", next.LastError.Message)
	}
	if next.Phase != prev.Phase {
		c.logger.Debug("Phase changed", "mission_id", next.MissionID, "from", prev.Phase, "to", next.Phase)
	}

	c.persist(next)
	c.notify(Update{State: next, Event: &ev})
	return next
}

// failTransport records a lost stream in state and notifies subscribers.
func (c *Controller) failTransport(err *mission.TransportError) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	s := c.Snapshot()
	s.RunState = mission.RunStateError
	s.LastError = &mission.StreamError{
		Kind:    mission.ErrorKindTransport,
		Message: err.Error(),
	}
	s.UpdatedAt = c.now()
	c.setState(s)

	c.lifeMu.Lock()
	c.runErr = err
	c.lifeMu.Unlock()

	c.logger.Error("Stream failed", "mission_id", s.MissionID, "attempts", err.Attempts, "error", err.Err)
	c.notify(Update{State: s})
}
