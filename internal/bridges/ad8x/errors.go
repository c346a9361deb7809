package ad8x

import "errors"

// Domain errors for the AD-8x bridge package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnect is returned when the amplifier refuses the connection,
	// the dial times out, or the handshake cannot be written.
	ErrConnect = errors.New("ad8x: connect failed")

	// ErrTransport is returned when the socket fails mid-operation.
	// The link is torn down and reconnected on the next attempt.
	ErrTransport = errors.New("ad8x: transport failure")

	// ErrProtocolParse is returned when a reply is malformed or absent.
	ErrProtocolParse = errors.New("ad8x: reply not understood")

	// ErrPolicyRejected is returned when a command is refused because the
	// zone is cached as powered off. No wire traffic is attempted.
	ErrPolicyRejected = errors.New("ad8x: rejected, zone is off")

	// ErrNotConnected is returned when Send is called on a closed link.
	ErrNotConnected = errors.New("ad8x: link not connected")

	// ErrInvalidZone is returned for zone numbers outside 1..8.
	ErrInvalidZone = errors.New("ad8x: invalid zone")

	// ErrUnknownCommand is returned for command names the router does not map.
	ErrUnknownCommand = errors.New("ad8x: unknown command")

	// ErrInvalidPayload is returned when a command payload cannot be parsed.
	ErrInvalidPayload = errors.New("ad8x: invalid payload")

	// ErrUnknownAmp is returned when an intent names an amplifier that has no session.
	ErrUnknownAmp = errors.New("ad8x: unknown amplifier")

	// ErrStopped is returned when a session has been stopped.
	ErrStopped = errors.New("ad8x: session stopped")
)
