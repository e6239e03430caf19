package main

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	pricePattern       = regexp.MustCompile(`(\d+),(\d+) Lei`)
	reviewCountPattern = regexp.MustCompile(`\((\d+)\)`)
)

// cardContext carries where a card was observed.
type cardContext struct {
	category string
	pageURL  string
	pageNum  int
	pageRank int
}

// cardExtractor reads one catalog entry's display fields from a listing card.
// Extraction is tolerant: a field that fails to parse is logged and left
// empty, only a missing catalog code skips the card.
type cardExtractor struct {
	sel *SelectorConfig
	log *zap.Logger
}

func newCardExtractor(cfg *Config, log *zap.Logger) *cardExtractor {
	return &cardExtractor{sel: &cfg.Selectors, log: log.Named("cards")}
}

// eligibleCards returns the page's product cards that expose an add-to-cart
// control and do not carry the promoted badge, in rendered order.
func (x *cardExtractor) eligibleCards(p page) ([]element, error) {
	cards, err := p.Elements(x.sel.ProductCard)
	if err != nil {
		return nil, err
	}

	var eligible []element
	for _, card := range cards {
		hasButton, err := card.Has(x.sel.AddToCartButton)
		if err != nil {
			return nil, err
		}
		if !hasButton {
			continue
		}
		promoted, err := card.Has(x.sel.PromotedBadge)
		if err != nil {
			return nil, err
		}
		if promoted {
			continue
		}
		eligible = append(eligible, card)
	}
	return eligible, nil
}

func (x *cardExtractor) extract(card element, cc cardContext) (*CatalogItem, error) {
	dataURL, err := card.Attribute("data-url")
	if err != nil {
		return nil, err
	}
	if dataURL == nil {
		return nil, &KeyParseError{Raw: ""}
	}
	pnk, err := parsePNKFromURL(*dataURL)
	if err != nil {
		return nil, err
	}

	item := &CatalogItem{
		PNK:       pnk,
		Category:  cc.category,
		SourceURL: cc.pageURL,
		Page:      cc.pageNum,
		PageRank:  cc.pageRank,
	}

	log := x.log.With(zap.String("pnk", pnk), zap.Int("page_rank", cc.pageRank))

	x.extractBadges(card, item, log)
	x.extractPrice(card, item, log)
	x.extractRating(card, item, log)
	x.extractReviewCount(card, item, log)

	// Rating and review count come from the same widget; one without the
	// other is a data-quality defect worth reporting, not failing on.
	if (item.Rating == nil) != (item.ReviewCount == nil) {
		log.Warn("rating and review count mismatch",
			zap.Any("rating", item.Rating),
			zap.Any("review_count", item.ReviewCount))
	}

	return item, nil
}

func (x *cardExtractor) extractBadges(card element, item *CatalogItem, log *zap.Logger) {
	badges, err := card.Elements(x.sel.BadgeLabel)
	if err != nil {
		log.Debug("could not enumerate badges", zap.Error(err))
		return
	}
	topFavorites := 0
	for _, badge := range badges {
		text, err := badge.Text()
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(text, "Top Favorite"):
			topFavorites++
			item.IsTopFavorite = true
		case strings.Contains(text, "Genius"):
			item.IsGenius = true
		}
	}
	if topFavorites > 1 {
		log.Warn("multiple top favorite badges on one card", zap.Int("count", topFavorites))
	}
}

func (x *cardExtractor) extractPrice(card element, item *CatalogItem, log *zap.Logger) {
	prices, err := card.Elements(x.sel.Price)
	if err != nil || len(prices) == 0 {
		log.Warn("card has no price element")
		return
	}
	text, err := prices[0].Text()
	if err != nil {
		log.Warn("could not read price text", zap.Error(err))
		return
	}
	// Prices above 999 carry a dot thousands separator ("1.234,56 Lei").
	m := pricePattern.FindStringSubmatch(strings.ReplaceAll(text, ".", ""))
	if m == nil {
		log.Warn("no price in card text", zap.String("text", text))
		return
	}
	price, err := strconv.ParseFloat(m[1]+"."+m[2], 64)
	if err != nil {
		log.Warn("unparsable price", zap.String("text", text))
		return
	}
	item.Price = price
}

func (x *cardExtractor) extractRating(card element, item *CatalogItem, log *zap.Logger) {
	ratings, err := card.Elements(x.sel.Rating)
	if err != nil || len(ratings) != 1 {
		log.Debug("card has no rating")
		return
	}
	text, err := ratings[0].Text()
	if err != nil {
		log.Warn("could not read rating text", zap.Error(err))
		return
	}
	rating, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		log.Warn("unparsable rating", zap.String("text", text))
		return
	}
	item.Rating = &rating
}

func (x *cardExtractor) extractReviewCount(card element, item *CatalogItem, log *zap.Logger) {
	reviews, err := card.Elements(x.sel.ReviewCount)
	if err != nil || len(reviews) != 1 {
		log.Debug("card has no review count")
		return
	}
	text, err := reviews[0].Text()
	if err != nil {
		log.Warn("could not read review count text", zap.Error(err))
		return
	}
	m := reviewCountPattern.FindStringSubmatch(text)
	if m == nil {
		log.Warn("no review count in card text", zap.String("text", text))
		return
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		log.Warn("unparsable review count", zap.String("text", text))
		return
	}
	item.ReviewCount = &count
}
