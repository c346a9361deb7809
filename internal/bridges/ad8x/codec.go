package ad8x

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol limits for the AD-8x.
const (
	// NumZones is the fixed number of zones on one amplifier.
	NumZones = 8

	// MinVolume and MaxVolume bound the normalised volume scale.
	MinVolume = 0
	MaxVolume = 75

	// MinTone and MaxTone bound bass and treble levels.
	MinTone = -12
	MaxTone = 12

	// ToneStep is the increment used by the bass/treble up/down commands.
	ToneStep = 2

	// negativeToneOffset is added to abs(level) to encode negative tone levels.
	negativeToneOffset = 20

	statusPrefix    = '#'
	tonePrefix      = '$'
	statusFields    = 5
	toneFields      = 3
	lineTerminator  = "\r"
	placeholderMark = "?"
)

// handshake is written once after the TCP connection opens: ESC '2' CR.
var handshake = []byte{0x1b, '2', '\r'}

// StatusReport is a decoded "#zz,p,m,ss,vvv" status line.
type StatusReport struct {
	Zone   int
	Power  bool
	Mute   bool
	Source int
	Volume int
}

// ToneReport is a decoded "$zz,bb,tt" tone line.
type ToneReport struct {
	Zone   int
	Bass   int
	Treble int
}

// ParseStatus decodes a status reply.
// The device reports volume as a signed value; it is normalised to 0..75.
// Returns false for empty input, the "#?" placeholder or malformed lines.
func ParseStatus(line string) (StatusReport, bool) {
	fields, ok := splitReply(line, statusPrefix, statusFields)
	if !ok {
		return StatusReport{}, false
	}

	return StatusReport{
		Zone:   fields[0],
		Power:  fields[1] == 1,
		Mute:   fields[2] == 1,
		Source: fields[3],
		Volume: ClampVolume(abs(fields[4])),
	}, true
}

// ParseTone decodes a tone reply. Returns false for "$?" and malformed lines.
func ParseTone(line string) (ToneReport, bool) {
	fields, ok := splitReply(line, tonePrefix, toneFields)
	if !ok {
		return ToneReport{}, false
	}

	return ToneReport{
		Zone:   fields[0],
		Bass:   fields[1],
		Treble: fields[2],
	}, true
}

// splitReply checks the prefix, rejects placeholders and converts the
// comma-separated fields to integers. The first field must be a valid zone.
func splitReply(line string, prefix byte, want int) ([]int, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != prefix || line[1:] == placeholderMark {
		return nil, false
	}

	parts := strings.Split(line[1:], ",")
	if len(parts) != want {
		return nil, false
	}

	fields := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, false
		}
		fields[i] = n
	}

	if !ValidZone(fields[0]) {
		return nil, false
	}
	return fields, true
}

// isPlaceholder reports whether a line is a non-answer from the device.
func isPlaceholder(line string) bool {
	return line == "#?" || line == "$?"
}

// NormalizeTone clamps a tone level to -12..12 and rounds odd values toward zero.
func NormalizeTone(level int) int {
	level = clamp(level, MinTone, MaxTone)
	if level%2 != 0 {
		if level > 0 {
			level--
		} else {
			level++
		}
	}
	return level
}

// EncodeTone returns the two-digit wire form of a tone level.
// Non-negative levels are sent as-is, negative levels as abs(level)+20.
func EncodeTone(level int) string {
	level = NormalizeTone(level)
	if level < 0 {
		return twoDigits(-level + negativeToneOffset)
	}
	return twoDigits(level)
}

// decodeTone reverses EncodeTone. Device tone replies carry plain signed
// integers and are parsed by ParseTone instead.
func decodeTone(wire string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(wire))
	if err != nil {
		return 0, fmt.Errorf("%w: tone %q: %w", ErrProtocolParse, wire, err)
	}
	switch {
	case n >= 0 && n <= MaxTone:
		return n, nil
	case n > negativeToneOffset && n <= negativeToneOffset-MinTone:
		return -(n - negativeToneOffset), nil
	default:
		return 0, fmt.Errorf("%w: tone %q out of range", ErrProtocolParse, wire)
	}
}

// ClampVolume limits a volume to 0..75.
func ClampVolume(v int) int {
	return clamp(v, MinVolume, MaxVolume)
}

// ValidZone reports whether zone is within 1..8.
func ValidZone(zone int) bool {
	return zone >= 1 && zone <= NumZones
}

// =============================================================================
// Command builders
// =============================================================================

// PowerCommand switches a zone on (PWR01) or off (PWR00).
func PowerCommand(zone int, on bool) string {
	return fmt.Sprintf("*ZN%sPWR%s", twoDigits(zone), onOff(on))
}

// MuteCommand sets the mute state of a zone.
func MuteCommand(zone int, on bool) string {
	return fmt.Sprintf("*ZN%sMUT%s", twoDigits(zone), onOff(on))
}

// ToggleMuteCommand flips the mute state of a zone.
func ToggleMuteCommand(zone int) string {
	return fmt.Sprintf("*ZN%sMUT02", twoDigits(zone))
}

// SourceCommand selects an input for a zone.
func SourceCommand(zone, source int) string {
	return fmt.Sprintf("*ZN%sSRC%s", twoDigits(zone), twoDigits(source))
}

// BassCommand sets the bass level of a zone.
func BassCommand(zone, level int) string {
	return fmt.Sprintf("*ZN%sBAS%s", twoDigits(zone), EncodeTone(level))
}

// TrebleCommand sets the treble level of a zone.
func TrebleCommand(zone, level int) string {
	return fmt.Sprintf("*ZN%sTRB%s", twoDigits(zone), EncodeTone(level))
}

// VolumeCommand sets an absolute volume. The device also powers the zone on.
func VolumeCommand(zone, volume int) string {
	return fmt.Sprintf("*ZN%sVOL%s", twoDigits(zone), twoDigits(ClampVolume(volume)))
}

// VolumeUpCommand steps the volume up by the device's native increment.
func VolumeUpCommand(zone int) string {
	return fmt.Sprintf("*ZN%sVOLUP", twoDigits(zone))
}

// VolumeDownCommand steps the volume down by the device's native increment.
func VolumeDownCommand(zone int) string {
	return fmt.Sprintf("*ZN%sVOLDN", twoDigits(zone))
}

// StatusQuery requests a "#" status line for a zone.
func StatusQuery(zone int) string {
	return fmt.Sprintf("*ZN%sSTA00", twoDigits(zone))
}

// ToneQuery requests a "$" tone line for a zone.
func ToneQuery(zone int) string {
	return fmt.Sprintf("*ZN%sSET00", twoDigits(zone))
}

// AllOffCommand switches every zone off.
func AllOffCommand() string {
	return "*ZALLPWR00"
}

// statusReplyPrefix is the prefix of the status reply for a zone, e.g. "#03,".
func statusReplyPrefix(zone int) string {
	return string(statusPrefix) + twoDigits(zone) + ","
}

// toneReplyPrefix is the prefix of the tone reply for a zone, e.g. "$03,".
func toneReplyPrefix(zone int) string {
	return string(tonePrefix) + twoDigits(zone) + ","
}

func twoDigits(n int) string {
	return fmt.Sprintf("%02d", n)
}

func onOff(on bool) string {
	if on {
		return "01"
	}
	return "00"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
