package ad8x

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// confirm sends cmd, then reads back the zone's status and tone to verify the
// device applied it. Parse failures are retried after RetryDelay; a transport
// failure closes the link and reconnects once before the next attempt.
// On success the confirmed state is cached and published.
//
// Caller must hold s.mu.
func (s *Session) confirm(ctx context.Context, zone int, cmd string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}

	attempts := s.timing.CommandRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		st, tone, err := s.attempt(ctx, zone, cmd)
		if err == nil {
			s.publishConfirmed(zone, st, tone, time.Now())
			s.logDebug("command confirmed", "command", cmd, "attempt", attempt)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err

		if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) {
			s.logWarn("transport failure during command", "command", cmd, "attempt", attempt, "error", err)
			s.link.Close()
			if attempt == attempts {
				break
			}
			if err := s.link.Connect(ctx); err != nil {
				return err
			}
			continue
		}

		s.logDebug("command not confirmed", "command", cmd, "attempt", attempt, "error", err)
		if attempt < attempts && !sleepCtx(ctx, s.timing.RetryDelay) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s not confirmed after %d attempts: %w", cmd, attempts, lastErr)
}

// attempt is one send-and-read-back round. A bare status query is not sent
// twice. Input left over from an earlier, abandoned round is dropped first.
func (s *Session) attempt(ctx context.Context, zone int, cmd string) (StatusReport, ToneReport, error) {
	s.link.Discard()
	if cmd != StatusQuery(zone) {
		if err := s.link.Send(cmd); err != nil {
			return StatusReport{}, ToneReport{}, err
		}
		if !sleepCtx(ctx, s.timing.PostSendSettle) {
			return StatusReport{}, ToneReport{}, ctx.Err()
		}
	}
	return s.queryZone(ctx, zone)
}

// sendOnly writes cmd without waiting for any reply.
// Caller must hold s.mu.
func (s *Session) sendOnly(ctx context.Context, cmd string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.link.Send(cmd); err != nil {
		s.link.Close()
		return err
	}
	return nil
}

// passthrough writes cmd and returns the first line the device answers with.
// An empty string means the device said nothing within CommandTimeout.
// Caller must hold s.mu.
func (s *Session) passthrough(ctx context.Context, cmd string) (string, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return "", err
	}
	if err := s.link.Send(cmd); err != nil {
		s.link.Close()
		return "", err
	}
	if !sleepCtx(ctx, s.timing.PostSendSettle) {
		return "", ctx.Err()
	}
	line := s.link.ReadLine(s.timing.CommandTimeout)
	if err := s.link.Err(); err != nil && line == "" {
		s.link.Close()
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return line, nil
}

// ensureConnected opens the link if needed.
// Caller must hold s.mu.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.link.Connected() {
		return nil
	}
	return s.link.Connect(ctx)
}
