package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAddToCartConfirmedFirstClick(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	button := cardButton(cfg, card)
	button.onClick = func() { p.emit(confirmedAdd("offer-1")) }

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	require.NoError(t, step.run(card, item))
	assert.True(t, item.CartAdded)
	assert.Equal(t, "offer-1", item.OfferID)
	assert.Equal(t, 1, button.clickCount())
}

func TestAddToCartRetriesUntilConfirmed(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	button := cardButton(cfg, card)

	// The first click produces no observable response; the second one lands.
	var mu sync.Mutex
	clicks := 0
	button.onClick = func() {
		mu.Lock()
		clicks++
		n := clicks
		mu.Unlock()
		if n >= 2 {
			p.emit(confirmedAdd("offer-1"))
		}
	}

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	require.NoError(t, step.run(card, item))
	assert.True(t, item.CartAdded)
	assert.Equal(t, 2, button.clickCount())
}

func TestAddToCartRetriesAfterClickFailure(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	button := cardButton(cfg, card)
	button.failClicks = 1
	button.onClick = func() { p.emit(confirmedAdd("offer-1")) }

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	require.NoError(t, step.run(card, item))
	assert.True(t, item.CartAdded)
	assert.Equal(t, 2, button.clickCount())
}

func TestAddToCartChallengeIsTerminal(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	p.url = "https://www.emag.ro/laptopuri/c"
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	button := cardButton(cfg, card)
	button.onClick = func() { p.emit(challengedAdd("offer-1")) }

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	err := step.run(card, item)
	require.Error(t, err)
	assert.True(t, isChallenge(err))
	assert.False(t, item.CartAdded)

	// The item must not be re-clicked after a challenge.
	assert.Equal(t, 1, button.clickCount())
}

func TestAddToCartIgnoresOtherOffersResponses(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	button := cardButton(cfg, card)
	button.onClick = func() {
		p.emit(confirmedAdd("offer-other"))
		p.emit(confirmedAdd("offer-1"))
	}

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	require.NoError(t, step.run(card, item))
	assert.True(t, item.CartAdded)
	assert.Equal(t, 1, button.clickCount())
}

func TestAddToCartClosedPage(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	require.NoError(t, p.Close())
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	err := step.run(card, item)
	assert.ErrorIs(t, err, errPageClosed)
	assert.False(t, item.CartAdded)
}

func TestAddToCartMissingOfferID(t *testing.T) {
	cfg := testConfig()
	p := newFakePage()
	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	delete(cardButton(cfg, card).attrs, "data-offer-id")

	item := &CatalogItem{PNK: "D5WVXBYBM"}
	step := newAddToCartStep(p, cfg, zap.NewNop(), nil)

	assert.Error(t, step.run(card, item))
}
