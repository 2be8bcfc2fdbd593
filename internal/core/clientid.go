package core

import (
	"fmt"
	"strings"
)

// Leg suffixes appended to the trade key in client order ids
const (
	LegEntry         = "E"
	LegEntryFallback = "E2"
	LegTP1           = "T1"
	LegTP2           = "T2"
	LegStop          = "SL"
	LegBreakeven     = "BE"
	LegTrail         = "TR"
	LegFlatten       = "FM"
)

// ClientID builds "<prefix>-<tradeKey>-<leg>"
func ClientID(prefix, tradeKey, leg string) string {
	return prefix + "-" + tradeKey + "-" + leg
}

// SeqClientID builds an id for legs that may be placed more than once
func SeqClientID(prefix, tradeKey, leg string, seq int) string {
	return ClientID(prefix, tradeKey, fmt.Sprintf("%s%d", leg, seq))
}

// ParseClientID splits a tagged client id. ok is false for ids this
// process did not create.
func ParseClientID(prefix, clientID string) (tradeKey, leg string, ok bool) {
	rest, found := strings.CutPrefix(clientID, prefix+"-")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// LegKind strips the sequence number from a leg suffix ("TR3" -> "TR").
// Fixed legs such as T1 and E2 are returned unchanged.
func LegKind(leg string) string {
	switch leg {
	case LegEntry, LegEntryFallback, LegTP1, LegTP2, LegStop:
		return leg
	}
	return strings.TrimRight(leg, "0123456789")
}

// IsStopLeg reports legs that protect the position (initial, breakeven or trailing stop)
func IsStopLeg(leg string) bool {
	switch LegKind(leg) {
	case LegStop, LegBreakeven, LegTrail:
		return true
	}
	return false
}
