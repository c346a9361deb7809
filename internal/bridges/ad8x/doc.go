// Package ad8x implements the RTI AD-8x amplifier bridge.
//
// The AD-8x is an eight-zone amplifier controlled by CR-terminated ASCII
// commands over a telnet-style TCP port (or RS-232). This package keeps one
// Session per amplifier and translates between MQTT and the wire protocol.
//
// # Architecture
//
//	┌─────────────┐        ┌──────────┐        ┌─────────┐   ASCII/TCP
//	│ MQTT / HTTP │◄──────►│  Router  │◄──────►│ Session │◄────────────► AD-8x
//	└─────────────┘        └──────────┘        └─────────┘
//
// A Session owns its Link exclusively. Polling, confirmed commands and
// coalesced flushes all serialise on the session's device lock, so at most
// one wire transaction is in flight per amplifier. Sessions share nothing,
// so a dead amplifier never slows a healthy one.
//
// # Wire Protocol
//
// Commands take the form *ZN<zz><verb><arg>, e.g. "*ZN03VOL45". Every
// confirmed command is followed by a status query (*ZNzzSTA00, answered with
// "#zz,p,m,ss,vvv") and a tone query (*ZNzzSET00, answered with "$zz,bb,tt").
// Negative tone levels are encoded as abs(level)+20.
//
//	st, ok := ad8x.ParseStatus("#03,1,0,2,045")
//	// st.Zone == 3, st.Power, st.Source == 2, st.Volume == 45
//
// # Coalescing
//
// Absolute volume, bass and treble sets are debounced: a burst of sets within
// the coalesce window becomes one command carrying the last target. Volume is
// published optimistically and polled echoes are suppressed briefly.
//
// # Power Policy
//
// Source, bass, treble, volume steps and mute toggling are rejected without
// wire traffic while a zone is cached off. Powering on is done with an
// absolute volume set, which the device treats as an implicit power-on.
//
// # Failure Detection
//
// Three consecutive failed poll cycles publish "down" on the amplifier's
// network_status topic, once per outage. The next good cycle publishes "up".
// Failed cycles back off exponentially from BackoffBase to BackoffMax.
package ad8x
