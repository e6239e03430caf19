package main

import (
	"net/http"
	"regexp"
	"strings"
)

// The site's edge layer answers mutation requests with this status when it
// wants a human; it is a sentinel, not a transport error.
const challengeStatus = 511

// outcome is the terminal classification of one correlated action.
type outcome int

const (
	outcomeInconclusive outcome = iota
	outcomeConfirmed
	outcomeChallenge
)

func (o outcome) String() string {
	switch o {
	case outcomeConfirmed:
		return "confirmed"
	case outcomeChallenge:
		return "challenge"
	default:
		return "inconclusive"
	}
}

var (
	addToCartURLPattern  = regexp.MustCompile(`emag\.ro/newaddtocart`)
	cartRemoveURLPattern = regexp.MustCompile(`emag\.ro/cart/remove`)
)

// mutationResponse matches a response to one specific action: the URL must hit
// the action's mutation endpoint, the originating request must be
// state-changing, and the action's identifier must appear in the payload.
// Read-only requests and responses for sibling actions never match.
func mutationResponse(endpoint *regexp.Regexp, id string) func(netResponse) bool {
	return func(r netResponse) bool {
		if !endpoint.MatchString(r.URL) {
			return false
		}
		if r.Method == http.MethodGet || r.Body == "" {
			return false
		}
		return strings.Contains(r.Body, id)
	}
}

func addToCartResponse(offerID string) func(netResponse) bool {
	return mutationResponse(addToCartURLPattern, offerID)
}

func cartRemoveResponse(lineID string) func(netResponse) bool {
	return mutationResponse(cartRemoveURLPattern, lineID)
}

// classifyResponse turns the result of a correlated wait into the terminal
// outcome. No matching response within the wait window is inconclusive and up
// to the caller to retry; a challenge status must never be retried.
func classifyResponse(r *netResponse, matched bool) outcome {
	switch {
	case !matched:
		return outcomeInconclusive
	case r.Status == challengeStatus:
		return outcomeChallenge
	case r.Status >= 200 && r.Status < 300:
		return outcomeConfirmed
	default:
		return outcomeInconclusive
	}
}
