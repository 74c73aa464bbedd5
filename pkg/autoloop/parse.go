// Package autoloop is the autonomous agent loop: a polling goroutine that
// scans a feed for offer/accept posts and drives offer/accept callbacks,
// plus the worker-side hiring state machine.
package autoloop

import (
	"regexp"
	"strconv"
	"strings"
)

// Offer is a parsed "Offering N AP to <task>" post.
type Offer struct {
	Price     int
	TaskType  string
	PosterENS string
}

// Accept is a parsed "I accept..." post.
type Accept struct {
	WorkerENS string
}

// offerAmountTask matches "Offering <N> AP to <task>", case-insensitively
// and tolerant of extra whitespace; an offer additionally requires the
// "AgentPay" marker and an ENS name somewhere in the same text.
var (
	offerAmountTask = regexp.MustCompile(`(?i)offering\s+(\d+)\s*ap\s+to\s+(.+?)(?:[.,]|\s+agentpay\b|$)`)
	agentPayMarker  = regexp.MustCompile(`(?i)agentpay`)
	ensName         = regexp.MustCompile(`(?i)(?:my\s+ens:?\s*)([a-z0-9][a-z0-9-]*\.eth)`)
	acceptVerb      = regexp.MustCompile(`(?i)\bi\s*(?:'ll\b|will\b)?\s*(?:accept|do)\b`)
)

// ParseOffer parses text as an offer post: "Offering N AP to <task>" + an
// "AgentPay" marker + "My ENS: <name>.eth", in any order. Returns ok=false
// if any required element is missing.
func ParseOffer(text string) (Offer, bool) {
	if !agentPayMarker.MatchString(text) {
		return Offer{}, false
	}
	m := offerAmountTask.FindStringSubmatch(text)
	if m == nil {
		return Offer{}, false
	}
	price, err := strconv.Atoi(m[1])
	if err != nil {
		return Offer{}, false
	}
	ens := ensName.FindStringSubmatch(text)
	if ens == nil {
		return Offer{}, false
	}
	return Offer{
		Price:     price,
		TaskType:  strings.TrimSpace(m[2]),
		PosterENS: strings.ToLower(ens[1]),
	}, true
}

// ParseAccept parses text as an accept post: an accept/will-do verb phrase
// plus "My ENS: <name>.eth".
func ParseAccept(text string) (Accept, bool) {
	if !acceptVerb.MatchString(text) {
		return Accept{}, false
	}
	ens := ensName.FindStringSubmatch(text)
	if ens == nil {
		return Accept{}, false
	}
	return Accept{WorkerENS: strings.ToLower(ens[1])}, true
}
