package tokenledger

import (
	"fmt"
	"strings"
)

// Action names a token-consuming marketplace operation.
type Action string

const (
	ActionOfferSend    Action = "OFFER_SEND"
	ActionDemandUnlock Action = "DEMAND_UNLOCK"
	ActionBoost        Action = "BOOST"
	ActionSpotlight    Action = "SPOTLIGHT"
	ActionRepublish    Action = "REPUBLISH"
	ActionRefresh      Action = "REFRESH"
)

var actionCosts = map[Action]int64{
	ActionOfferSend:    5,
	ActionDemandUnlock: 15,
	ActionBoost:        10,
	ActionSpotlight:    25,
	ActionRepublish:    8,
	ActionRefresh:      2,
}

// String returns the action label.
func (action Action) String() string {
	return string(action)
}

// ParseAction validates a raw action label.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(raw)))
	if _, known := actionCosts[action]; !known {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
	return action, nil
}

// Cost returns the token price of an action.
func (action Action) Cost() (TokenAmount, error) {
	cost, known := actionCosts[action]
	if !known {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return NewTokenAmount(cost)
}

// Token lifetimes by grant origin. Purchased tokens outlive promotional
// ones; adjustments and refunds never expire.
const (
	PurchasedTokenLifetimeDays = 90
	PromoTokenLifetimeDays     = 30

	secondsPerDay = 24 * 60 * 60
)

// GrantExpiry returns the expires-at instant for a grant of the given kind,
// or 0 when grants of that kind never expire.
func GrantExpiry(kind EntryKind, nowUnixUTC int64) int64 {
	switch kind {
	case EntryPurchase:
		return nowUnixUTC + PurchasedTokenLifetimeDays*secondsPerDay
	case EntryGrant:
		return nowUnixUTC + PromoTokenLifetimeDays*secondsPerDay
	}
	return 0
}
