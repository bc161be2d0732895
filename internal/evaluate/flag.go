package evaluate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Input is everything the price rules look at for one item.
type Input struct {
	Item    model.TrackedItem
	Latest  model.Observation
	Prior   *model.Observation
	History model.HistorySummary
}

// FlagResult reports whether any active rule holds and which event, if any,
// the cycle should try to admit.
type FlagResult struct {
	FlagReached bool
	Candidate   *Candidate
	// Err is a *ConfigError when the item's rules are unusable.
	Err error
}

type rule struct {
	kind  model.EventKind
	holds bool
	msg   string
}

// EvaluateFlag checks the active price rules in the order absolute threshold,
// percent off, new low. The first rule that holds yields the candidate.
func EvaluateFlag(in Input) FlagResult {
	rules, err := activeRules(in)
	if err != nil {
		return FlagResult{Err: err}
	}

	var result FlagResult
	for _, r := range rules {
		if !r.holds {
			continue
		}
		result.FlagReached = true
		if result.Candidate == nil {
			c := newCandidate(in.Item, in.Latest, r.kind, r.msg)
			result.Candidate = &c
		}
	}
	return result
}

func activeRules(in Input) ([]rule, error) {
	item := in.Item
	price := in.Latest.Price
	name := displayName(item)

	if !price.IsPositive() {
		return nil, &ConfigError{ItemID: item.ID, Reason: fmt.Sprintf("observed price %s is not positive", price)}
	}

	rules := make([]rule, 0, 3)

	threshold := item.ThresholdPrice
	if item.FlagKind == model.FlagAbsoluteThreshold && threshold == nil && item.FlagValue != nil {
		threshold = item.FlagValue
	}
	if threshold != nil {
		if !threshold.IsPositive() {
			return nil, &ConfigError{ItemID: item.ID, Reason: "threshold price must be positive"}
		}
		rules = append(rules, rule{
			kind:  model.EventThresholdHit,
			holds: price.LessThanOrEqual(*threshold),
			msg:   fmt.Sprintf("%s fell to %s, at or below your target of %s", name, yen(price), yen(*threshold)),
		})
	}

	switch item.FlagKind {
	case model.FlagAbsoluteThreshold:
		if threshold == nil {
			return nil, &ConfigError{ItemID: item.ID, Reason: "absolute threshold needs a threshold price"}
		}
	case model.FlagPercentOff:
		if item.RegularPrice == nil || item.FlagValue == nil {
			return nil, &ConfigError{ItemID: item.ID, Reason: "percent off needs a regular price and a percentage"}
		}
		regular, pct := *item.RegularPrice, *item.FlagValue
		if !regular.IsPositive() || !pct.IsPositive() {
			return nil, &ConfigError{ItemID: item.ID, Reason: "regular price and percentage must be positive"}
		}
		// (regular - price) / regular * 100 >= pct, kept exact by cross-multiplying
		holds := regular.Sub(price).Mul(hundred).GreaterThanOrEqual(pct.Mul(regular))
		rules = append(rules, rule{
			kind:  model.EventPercentOff,
			holds: holds,
			msg: fmt.Sprintf("%s is %s%% off its regular %s (now %s)",
				name, DiscountPercent(regular, price).StringFixed(1), yen(regular), yen(price)),
		})
	case model.FlagNewLow:
		rules = append(rules, rule{
			kind:  model.EventNewLowPrice,
			holds: in.History.Count > 1 && price.Equal(in.History.Low),
			msg:   fmt.Sprintf("%s hit a new lowest price of %s", name, yen(price)),
		})
	case "":
	default:
		return nil, &ConfigError{ItemID: item.ID, Reason: fmt.Sprintf("unknown flag kind %q", item.FlagKind)}
	}

	return rules, nil
}

// DiscountPercent is the percentage price sits below regular.
func DiscountPercent(regular, price decimal.Decimal) decimal.Decimal {
	if regular.IsZero() {
		return decimal.Zero
	}
	return regular.Sub(price).Mul(hundred).Div(regular)
}
