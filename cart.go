package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// cartReconciler maps previously added items to their true per-item cart
// limit by reading the cart page, and optionally empties the cart afterwards.
type cartReconciler struct {
	session session
	cfg     *Config
	log     *zap.Logger
	metrics *Metrics
}

func newCartReconciler(sess session, cfg *Config, log *zap.Logger, metrics *Metrics) *cartReconciler {
	return &cartReconciler{session: sess, cfg: cfg, log: log.Named("cart"), metrics: metrics}
}

// cartAnchorXPath finds the product anchors that carry an item's catalog code
// inside the cart page. The transient offer id may differ between listing and
// cart, so matching goes through the stable code.
func cartAnchorXPath(pnk string) string {
	return fmt.Sprintf(`//a[contains(@href, "pd/%s")]`, pnk)
}

// cartLineQtyXPath is the child-to-ancestor lookup for one item's quantity
// controls: from the product anchor carrying the catalog code, up to the
// enclosing cart line, down to its quantity inputs that expose a maximum.
func cartLineQtyXPath(pnk string) string {
	return fmt.Sprintf(
		`//a[contains(@href, "pd/%s")]/ancestor::div[starts-with(@class, "cart-widget cart-line")]//div[@data-phino="Qty"]/input[@max]`,
		pnk)
}

// reconcile opens the cart page, resolves the max purchasable quantity of
// every item passed in, and clears the cart when configured to. Items
// reconciled before a challenge aborts the pass keep their quantities.
func (c *cartReconciler) reconcile(items []*CatalogItem) error {
	c.log.Info("opening cart page", zap.Int("items", len(items)))
	c.metrics.IncReconcilePasses()

	cartPage, err := c.session.NewPage()
	if err != nil {
		return fmt.Errorf("failed to open cart page: %w", err)
	}
	defer func() {
		c.log.Info("closing cart page")
		_ = cartPage.Close()
	}()

	if err := cartPage.Navigate(c.cfg.CartURL); err != nil {
		return fmt.Errorf("failed to load cart page: %w", err)
	}
	if status, serr := cartPage.NavStatus(); serr == nil && status == challengeStatus {
		c.metrics.IncChallenges()
		return &ChallengeError{PageURL: c.cfg.CartURL, RequestURL: c.cfg.CartURL}
	}

	for _, item := range items {
		if err := c.resolveMaxQty(cartPage, item); err != nil {
			if errors.Is(err, errPageClosed) {
				return err
			}
			c.log.Warn("max quantity lookup failed", zap.String("pnk", item.PNK), zap.Error(err))
		}
	}

	if c.cfg.ClearCart {
		if err := c.clear(cartPage); err != nil {
			return err
		}
	}
	return nil
}

// resolveMaxQty reads one item's maximum purchasable quantity from its cart
// line. An item with no matching line is recorded, not failed: bundled kit
// items are known not to appear as standalone lines.
func (c *cartReconciler) resolveMaxQty(cartPage page, item *CatalogItem) error {
	anchors, err := cartPage.ElementsX(cartAnchorXPath(item.PNK))
	if err != nil {
		return err
	}
	if len(anchors) == 0 {
		item.QtyNote = "no cart line matched this item"
		c.log.Warn("item not found in cart", zap.String("pnk", item.PNK))
		return nil
	}

	inputs, err := cartPage.ElementsX(cartLineQtyXPath(item.PNK))
	if err != nil {
		return err
	}
	// Composite lines may expose several quantity controls; the first one
	// with a usable maximum wins.
	for i, input := range inputs {
		raw, err := input.Attribute("max")
		if err != nil || raw == nil {
			c.log.Debug("quantity control without max attribute",
				zap.String("pnk", item.PNK), zap.Int("control", i+1))
			continue
		}
		qty, err := strconv.Atoi(strings.TrimSpace(*raw))
		if err != nil {
			c.log.Warn("unparsable max attribute",
				zap.String("pnk", item.PNK), zap.String("max", *raw))
			continue
		}
		item.MaxQty = &qty
		return nil
	}

	item.QtyNote = "no usable max attribute on cart line"
	c.log.Warn("no usable quantity control", zap.String("pnk", item.PNK), zap.Int("controls", len(inputs)))
	return nil
}

// clear removes every visible cart line, each with its own bounded retry
// budget, then waits for the lines to disappear so the next pass does not see
// stale state. A challenge on any removal aborts the loop immediately.
func (c *cartReconciler) clear(cartPage page) error {
	c.log.Info("clearing cart")

	buttons, err := c.visibleRemovals(cartPage)
	if err != nil {
		return err
	}
	for _, button := range buttons {
		lineID, err := button.Attribute("data-line")
		if err != nil || lineID == nil || *lineID == "" {
			c.log.Warn("removal control without line id")
			continue
		}
		if err := c.removeLine(cartPage, button, *lineID); err != nil {
			if isChallenge(err) || errors.Is(err, errPageClosed) {
				return err
			}
			c.log.Warn("cart line removal kept failing, skipping",
				zap.String("line", *lineID), zap.Error(err))
		}
	}

	return c.drain(cartPage)
}

func (c *cartReconciler) removeLine(cartPage page, button element, lineID string) error {
	log := c.log.With(zap.String("line", lineID))
	for attempt := 1; attempt <= c.cfg.RemoveAttempts; attempt++ {
		if cartPage.Closed() {
			return errPageClosed
		}
		wait, cancelWait := cartPage.ExpectResponse(cartRemoveResponse(lineID), c.cfg.responseWait())
		if err := button.Click(c.cfg.clickTimeout()); err != nil {
			cancelWait()
			if errors.Is(err, errPageClosed) {
				return err
			}
			log.Debug("removal click failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		resp, matched := wait()
		switch classifyResponse(resp, matched) {
		case outcomeConfirmed:
			c.metrics.IncRemovals()
			log.Debug("cart line removed")
			return nil
		case outcomeChallenge:
			c.metrics.IncChallenges()
			return &ChallengeError{PageURL: cartPage.URL(), RequestURL: resp.URL}
		default:
			log.Debug("inconclusive removal outcome", zap.Int("attempt", attempt))
		}
	}
	return fmt.Errorf("no removal confirmation after %d attempts", c.cfg.RemoveAttempts)
}

// drain polls until no removable line stays visible. Removals that were
// skipped after exhausting their retries can leave lines behind, so the wait
// is bounded and a leftover is reported instead of spinning forever.
func (c *cartReconciler) drain(cartPage page) error {
	deadline := time.Now().Add(c.cfg.drainTimeout())
	for {
		if cartPage.Closed() {
			return errPageClosed
		}
		buttons, err := c.visibleRemovals(cartPage)
		if err != nil {
			return err
		}
		if len(buttons) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			c.log.Warn("cart lines still visible after clearing", zap.Int("remaining", len(buttons)))
			return nil
		}
		time.Sleep(c.cfg.dialogInterval())
	}
}

func (c *cartReconciler) visibleRemovals(cartPage page) ([]element, error) {
	buttons, err := cartPage.Elements(c.cfg.Selectors.RemoveFromCartButton)
	if err != nil {
		return nil, err
	}
	var visible []element
	for _, button := range buttons {
		ok, err := button.Visible()
		if err != nil {
			continue
		}
		if ok {
			visible = append(visible, button)
		}
	}
	return visible, nil
}
