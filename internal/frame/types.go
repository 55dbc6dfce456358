// Package frame encodes and decodes agent datagrams: a message type byte,
// a fixed-schema header and a payload.
package frame

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType is the first byte of every frame.
type MessageType uint8

const (
	TypeAll      MessageType = 1
	TypeBeat     MessageType = 2
	TypeSOH      MessageType = 3
	TypeGeneric  MessageType = 4
	TypeTime     MessageType = 5
	TypeLocation MessageType = 6
	TypeTrack    MessageType = 7
	TypeIMU      MessageType = 8
	TypeEvent    MessageType = 9
	TypeRequest  MessageType = 10
	TypeResponse MessageType = 11
	// TypeBinary and above carry binary payloads.
	TypeBinary MessageType = 128
	TypeComm   MessageType = 129
)

var typeNames = map[MessageType]string{
	TypeAll:      "all",
	TypeBeat:     "beat",
	TypeSOH:      "soh",
	TypeGeneric:  "generic",
	TypeTime:     "time",
	TypeLocation: "location",
	TypeTrack:    "track",
	TypeIMU:      "imu",
	TypeEvent:    "event",
	TypeRequest:  "request",
	TypeResponse: "response",
	TypeBinary:   "binary",
	TypeComm:     "comm",
}

func (t MessageType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "type" + strconv.Itoa(int(t))
}

// IsBinary reports whether payloads of this type are binary rather than text.
func (t MessageType) IsBinary() bool {
	return t >= TypeBinary
}

// ParseMessageType accepts a type name or its number.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("unknown message type %q", s)
	}
	return MessageType(n), nil
}

const mjdUnixEpoch = 40587.0

// MJD converts t to a Modified Julian Date.
func MJD(t time.Time) float64 {
	return mjdUnixEpoch + float64(t.UnixNano())/float64(24*time.Hour)
}

// TimeFromMJD converts a Modified Julian Date back to wall time.
func TimeFromMJD(mjd float64) time.Time {
	ns := (mjd - mjdUnixEpoch) * float64(24*time.Hour)
	return time.Unix(0, int64(ns)).UTC()
}
