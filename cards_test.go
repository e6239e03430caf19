package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func makeCard(cfg *Config, pnk, offerID string) *fakeElement {
	button := &fakeElement{attrs: map[string]string{"data-offer-id": offerID}}
	return &fakeElement{
		attrs: map[string]string{"data-url": "https://www.emag.ro/some-product/pd/" + pnk},
		children: map[string][]*fakeElement{
			cfg.Selectors.AddToCartButton: {button},
		},
	}
}

func cardButton(cfg *Config, card *fakeElement) *fakeElement {
	return card.children[cfg.Selectors.AddToCartButton][0]
}

func TestEligibleCards(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	plain := makeCard(cfg, "AAAAAAAA1", "offer-1")

	noButton := makeCard(cfg, "AAAAAAAA2", "offer-2")
	delete(noButton.children, cfg.Selectors.AddToCartButton)

	promoted := makeCard(cfg, "AAAAAAAA3", "offer-3")
	promoted.children[cfg.Selectors.PromotedBadge] = []*fakeElement{{text: "Promovat"}}

	p := newFakePage()
	p.elements[cfg.Selectors.ProductCard] = []*fakeElement{noButton, plain, promoted}

	cards, err := x.eligibleCards(p)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Same(t, plain, cards[0].(*fakeElement))
}

func TestExtractFullCard(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	card.children[cfg.Selectors.BadgeLabel] = []*fakeElement{
		{text: "Genius"},
		{text: "Top Favorite"},
	}
	card.children[cfg.Selectors.Price] = []*fakeElement{{text: "1.234,56 Lei"}}
	card.children[cfg.Selectors.Rating] = []*fakeElement{{text: "4.53"}}
	card.children[cfg.Selectors.ReviewCount] = []*fakeElement{{text: "(127)"}}

	item, err := x.extract(card, cardContext{
		category: "laptopuri",
		pageURL:  "https://www.emag.ro/laptopuri/c",
		pageNum:  1,
		pageRank: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "D5WVXBYBM", item.PNK)
	assert.Equal(t, "laptopuri", item.Category)
	assert.Equal(t, "https://www.emag.ro/laptopuri/c", item.SourceURL)
	assert.Equal(t, 1, item.Page)
	assert.Equal(t, 3, item.PageRank)
	assert.True(t, item.IsGenius)
	assert.True(t, item.IsTopFavorite)
	assert.InDelta(t, 1234.56, item.Price, 0.001)
	require.NotNil(t, item.Rating)
	assert.InDelta(t, 4.53, *item.Rating, 0.001)
	require.NotNil(t, item.ReviewCount)
	assert.Equal(t, 127, *item.ReviewCount)
	assert.False(t, item.CartAdded)
	assert.Nil(t, item.MaxQty)
}

func TestExtractBareCard(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	item, err := x.extract(makeCard(cfg, "D5WVXBYBM", "offer-1"), cardContext{
		category: "laptopuri", pageNum: 1, pageRank: 1,
	})
	require.NoError(t, err)

	assert.False(t, item.IsGenius)
	assert.False(t, item.IsTopFavorite)
	assert.Zero(t, item.Price)
	assert.Nil(t, item.Rating)
	assert.Nil(t, item.ReviewCount)
}

func TestExtractSmallPrice(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	card.children[cfg.Selectors.Price] = []*fakeElement{{text: "99,90 Lei"}}

	item, err := x.extract(card, cardContext{category: "laptopuri", pageNum: 1, pageRank: 1})
	require.NoError(t, err)
	assert.InDelta(t, 99.90, item.Price, 0.001)
}

func TestExtractRejectsCardWithoutCatalogCode(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	card.attrs["data-url"] = "https://www.emag.ro/laptopuri/c"

	_, err := x.extract(card, cardContext{category: "laptopuri", pageNum: 1, pageRank: 1})
	require.Error(t, err)

	var keyErr *KeyParseError
	assert.ErrorAs(t, err, &keyErr)

	delete(card.attrs, "data-url")
	_, err = x.extract(card, cardContext{category: "laptopuri", pageNum: 1, pageRank: 1})
	assert.ErrorAs(t, err, &keyErr)
}

func TestExtractToleratesRatingReviewMismatch(t *testing.T) {
	cfg := testConfig()
	x := newCardExtractor(cfg, zap.NewNop())

	card := makeCard(cfg, "D5WVXBYBM", "offer-1")
	card.children[cfg.Selectors.Rating] = []*fakeElement{{text: "4.1"}}

	item, err := x.extract(card, cardContext{category: "laptopuri", pageNum: 1, pageRank: 1})
	require.NoError(t, err)
	require.NotNil(t, item.Rating)
	assert.Nil(t, item.ReviewCount)
}
