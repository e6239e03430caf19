package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// categoryOrchestrator walks one category's listing pages, carts every
// eligible item, and reconciles cart state in batches. A verification
// challenge anywhere ends the run immediately with everything gathered so
// far.
type categoryOrchestrator struct {
	session   session
	cfg       *Config
	log       *zap.Logger
	metrics   *Metrics
	extractor *cardExtractor
	rec       *cartReconciler

	category  string
	startPage int

	items          []*CatalogItem
	seen           *lru.Cache[string, struct{}]
	sinceReconcile int
	challenged     bool
}

func newCategoryOrchestrator(sess session, cfg *Config, log *zap.Logger, metrics *Metrics, category string, startPage int) (*categoryOrchestrator, error) {
	if !validCategory(category) {
		return nil, fmt.Errorf("invalid category slug %q", category)
	}
	if startPage < 1 {
		return nil, fmt.Errorf("start page must be positive, got %d", startPage)
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	log = log.Named("category").With(zap.String("category", category))
	return &categoryOrchestrator{
		session:   sess,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		extractor: newCardExtractor(cfg, log),
		rec:       newCartReconciler(sess, cfg, log, metrics),
		category:  category,
		startPage: startPage,
		seen:      seen,
	}, nil
}

// Run walks the category and returns everything collected, whatever happens
// along the way: transient automation failures stop pagination but never
// discard items already carted.
func (o *categoryOrchestrator) Run() *RunResult {
	started := time.Now()

	o.walkPages()

	// Items added since the previous mid-run pass still have no quantity;
	// resolve them even when the last page fell short of a full batch.
	if !o.challenged {
		if missing := itemsMissingQty(o.items); len(missing) > 0 || o.cfg.ClearCart {
			o.reconcileBatch(missing)
		}
	}

	result := &RunResult{
		Category:   o.category,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Items:      o.items,
		Challenged: o.challenged,
	}
	o.log.Info("category run finished",
		zap.Int("items", len(result.Items)),
		zap.Bool("challenged", result.Challenged),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	return result
}

// walkPages iterates listing pages from the start page up to the category's
// page count, which is only known after the first page loads.
func (o *categoryOrchestrator) walkPages() {
	lastPage := o.startPage
	for pageNum := o.startPage; pageNum <= lastPage; pageNum++ {
		if o.challenged {
			break
		}
		pages, err := o.batchPage(pageNum, pageNum == o.startPage)
		if err != nil {
			if errors.Is(err, errPageClosed) {
				o.log.Warn("listing page closed underneath the run, moving on",
					zap.Int("page", pageNum))
				continue
			}
			// Transient automation failure: stop paginating, keep what was
			// collected.
			o.log.Warn("stopping pagination after listing page failure",
				zap.Int("page", pageNum), zap.Error(err))
			break
		}
		if pageNum == o.startPage && pages > 0 {
			lastPage = pages
		}
	}
}

// batchPage opens one listing page and carts its eligible items. On the first
// page it also reports the category's total page count, capped at the
// configured maximum.
func (o *categoryOrchestrator) batchPage(pageNum int, first bool) (int, error) {
	url := buildCategoryURL(o.cfg.BaseURL, o.category, pageNum)
	log := o.log.With(zap.Int("page", pageNum))
	log.Info("opening listing page", zap.String("url", url))

	p, err := o.session.NewPage()
	if err != nil {
		return 0, fmt.Errorf("failed to open listing page: %w", err)
	}

	// Started before navigation so every early return can join it through the
	// page close below.
	supp := newDialogSuppressor(p, o.cfg, log)
	supp.Start()
	defer func() {
		_ = p.Close()
		supp.Wait()
	}()

	if err := p.Navigate(url); err != nil {
		return 0, fmt.Errorf("failed to load listing page: %w", err)
	}
	if status, serr := p.NavStatus(); serr == nil && status == challengeStatus {
		o.metrics.IncChallenges()
		o.challenged = true
		log.Warn("verification challenge on listing navigation")
		return 0, nil
	}

	pages := 0
	if first {
		pages = o.pageCount(p, log)
	}

	cards, err := o.extractor.eligibleCards(p)
	if err != nil {
		return pages, err
	}
	if len(cards) == 0 {
		// An empty start page is the legitimate empty-category outcome; later
		// pages are not walked.
		if first {
			log.Info("no eligible items in category")
			return 0, nil
		}
		log.Info("no eligible items on listing page")
		return pages, nil
	}
	log.Info("listing page ready", zap.Int("eligible_cards", len(cards)))

	step := newAddToCartStep(p, o.cfg, log, o.metrics)
	for rank, card := range cards {
		if err := o.processCard(p, step, card, url, pageNum, rank+1); err != nil {
			if isChallenge(err) {
				o.challenged = true
				log.Warn("verification challenge during add to cart", zap.Error(err))
				return pages, nil
			}
			return pages, err
		}
		// A mid-run reconciliation pass may have hit a challenge.
		if o.challenged {
			return pages, nil
		}
	}
	return pages, nil
}

func (o *categoryOrchestrator) processCard(p page, step *addToCartStep, card element, pageURL string, pageNum, pageRank int) error {
	item, err := o.extractor.extract(card, cardContext{
		category: o.category,
		pageURL:  pageURL,
		pageNum:  pageNum,
		pageRank: pageRank,
	})
	if err != nil {
		var keyErr *KeyParseError
		if errors.As(err, &keyErr) {
			o.log.Warn("skipping card without a parsable catalog code",
				zap.Int("page", pageNum), zap.Int("page_rank", pageRank), zap.Error(err))
			return nil
		}
		return err
	}

	if _, dup := o.seen.Get(item.PNK); dup {
		o.log.Debug("duplicate item across pages", zap.String("pnk", item.PNK))
		return nil
	}

	if err := step.run(card, item); err != nil {
		if isChallenge(err) || errors.Is(err, errPageClosed) {
			return err
		}
		// The card's add-to-cart control is unusable (gone, or missing its
		// offer id); siblings are unaffected.
		o.log.Warn("skipping card after add-to-cart failure",
			zap.String("pnk", item.PNK), zap.Int("page", pageNum),
			zap.Int("page_rank", pageRank), zap.Error(err))
		return nil
	}

	o.seen.Add(item.PNK, struct{}{})
	item.Rank = len(o.items) + 1
	o.items = append(o.items, item)
	o.metrics.IncItems()

	o.sinceReconcile++
	if o.sinceReconcile >= o.cfg.BatchSize {
		o.reconcileBatch(itemsMissingQty(o.items))
	}
	return nil
}

// reconcileBatch runs one reconciliation pass. A failed pass leaves its items
// without quantities, so they are picked up again by the next pass; only a
// challenge ends the run.
func (o *categoryOrchestrator) reconcileBatch(items []*CatalogItem) {
	o.sinceReconcile = 0
	err := o.rec.reconcile(items)
	if err == nil {
		return
	}
	if isChallenge(err) {
		o.challenged = true
		o.log.Warn("verification challenge during cart reconciliation", zap.Error(err))
		return
	}
	o.log.Warn("cart reconciliation pass failed", zap.Error(err))
}

// pageCount reads the category's advertised item total and derives how many
// listing pages to walk. An unreadable total degrades to a single page.
func (o *categoryOrchestrator) pageCount(p page, log *zap.Logger) int {
	strongs, err := p.Elements(o.cfg.Selectors.ListingTotal)
	if err != nil || len(strongs) < 2 {
		log.Warn("could not locate the listing total, staying on one page")
		return 0
	}
	text, err := strongs[1].Text()
	if err != nil {
		log.Warn("could not read the listing total", zap.Error(err))
		return 0
	}
	total, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(text), ".", ""))
	if err != nil {
		log.Warn("unparsable listing total", zap.String("text", text))
		return 0
	}

	pages := (total + o.cfg.PageSize - 1) / o.cfg.PageSize
	if pages > o.cfg.MaxPages {
		pages = o.cfg.MaxPages
	}
	log.Info("category size resolved", zap.Int("total_items", total), zap.Int("pages", pages))
	return pages
}
