package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// addState tracks one item's add-to-cart attempt:
//
//	idle -> clicking -> awaiting -> confirmed | retryable | challenge
//
// Retryable loops back to idle. Re-clicking an already-added item's control is
// a no-op signal from the site, so retries are unbounded; a challenge is
// terminal for the item and the whole run.
type addState int

const (
	addIdle addState = iota
	addClicking
	addAwaiting
)

type addToCartStep struct {
	page    page
	cfg     *Config
	log     *zap.Logger
	metrics *Metrics
}

func newAddToCartStep(p page, cfg *Config, log *zap.Logger, metrics *Metrics) *addToCartStep {
	return &addToCartStep{page: p, cfg: cfg, log: log.Named("add"), metrics: metrics}
}

// run clicks the card's add-to-cart control until the correlated network
// response confirms the addition, marking the item cart-added on success.
// First clicks are not guaranteed to produce a response (network flakiness,
// races with the dialog suppressor), hence retry-until-confirmed.
func (s *addToCartStep) run(card element, item *CatalogItem) error {
	button, err := card.Element(s.cfg.Selectors.AddToCartButton, s.cfg.actionTimeout())
	if err != nil {
		return fmt.Errorf("add-to-cart control not found: %w", err)
	}
	offerID, err := button.Attribute("data-offer-id")
	if err != nil {
		return err
	}
	if offerID == nil || *offerID == "" {
		return fmt.Errorf("add-to-cart control has no offer id for %q", item.PNK)
	}
	item.OfferID = *offerID

	log := s.log.With(zap.String("pnk", item.PNK), zap.String("offer_id", item.OfferID))

	var (
		state      = addIdle
		wait       func() (*netResponse, bool)
		cancelWait func()
	)
	for {
		switch state {
		case addIdle:
			if s.page.Closed() {
				return errPageClosed
			}
			// Arm the correlated wait before the click so the response
			// cannot slip past between dispatch and subscription.
			wait, cancelWait = s.page.ExpectResponse(addToCartResponse(item.OfferID), s.cfg.responseWait())
			state = addClicking

		case addClicking:
			if err := button.Click(s.cfg.clickTimeout()); err != nil {
				cancelWait()
				if errors.Is(err, errPageClosed) {
					return err
				}
				log.Warn("add-to-cart click failed, retrying", zap.Error(err))
				s.metrics.IncRetries()
				state = addIdle
				continue
			}
			state = addAwaiting

		case addAwaiting:
			resp, matched := wait()
			switch classifyResponse(resp, matched) {
			case outcomeConfirmed:
				item.CartAdded = true
				s.metrics.IncAdds()
				log.Debug("add to cart confirmed")
				return nil
			case outcomeChallenge:
				s.metrics.IncChallenges()
				return &ChallengeError{PageURL: s.page.URL(), RequestURL: resp.URL}
			default:
				log.Debug("inconclusive add-to-cart outcome, re-clicking")
				s.metrics.IncRetries()
				state = addIdle
			}
		}
	}
}
