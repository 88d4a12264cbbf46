// Package pipeline drives one automation session from portal login to the
// terminal result: discover eligible listings, skip those already handled
// today, then raise each price and extend its deadline within the plan quota.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/portal"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

// ClientFactory builds a portal client for one account.
type ClientFactory interface {
	New(creds portal.Credentials) (portal.Client, error)
}

// QuotaLedger is the part of quota.Ledger the pipeline needs.
type QuotaLedger interface {
	CanProcessMore(ctx context.Context, userID, plan string) (bool, error)
	RecordProcessedForPlan(ctx context.Context, userID, plan string) error
}

// ProcessedSet is the part of idempotency.Store the pipeline needs.
type ProcessedSet interface {
	FilterUnprocessed(ctx context.Context, userID string, ids []string) ([]string, error)
	MarkProcessed(ctx context.Context, userID, listingID string) error
}

// ItemError is a per-listing failure. It is logged and the run moves on.
type ItemError struct {
	ListingID string
	Stage     string
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("listing %s: %s failed: %v", e.ListingID, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// DiscoveryError means the eligible listings could not be enumerated.
type DiscoveryError struct {
	Page int
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to list eligible listings (page %d): %v", e.Page, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options tunes pacing.
type Options struct {
	ItemDelay time.Duration // pause between listings
	PageDelay time.Duration // pause between search pages
	MaxPages  int           // safety bound on discovery (default 500)
}

// Pipeline implements session.Runner.
type Pipeline struct {
	clients ClientFactory
	ledger  QuotaLedger
	seen    ProcessedSet
	history repository.HistoryRepository
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

var _ session.Runner = (*Pipeline)(nil)

// New creates a pipeline. history and m may be nil.
func New(clients ClientFactory, ledger QuotaLedger, seen ProcessedSet, history repository.HistoryRepository, m *metrics.Metrics, opts Options, logger *slog.Logger) *Pipeline {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	return &Pipeline{
		clients: clients,
		ledger:  ledger,
		seen:    seen,
		history: history,
		metrics: m,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With("component", "pipeline"),
	}
}

// run carries per-session state through the steps.
type run struct {
	r       session.Reporter
	cfg     models.AccountConfig
	userID  string
	client  portal.Client
	started time.Time
	result  models.Result
	logger  *slog.Logger
}

func (rn *run) fail(kind models.ErrorKind, err error, summary string) {
	rn.result.ErrorKind = kind
	rn.result.Errors = append(rn.result.Errors, err.Error())
	rn.result.Summary = summary
	rn.r.Report(models.ProgressEvent{Type: models.EventError, Message: summary})
}

// Run executes the session and returns its terminal result.
func (p *Pipeline) Run(ctx context.Context, r session.Reporter) models.Result {
	rn := &run{
		r:       r,
		cfg:     r.Config(),
		userID:  r.UserID(),
		started: p.now(),
		result:  models.Result{Errors: []string{}},
	}
	rn.logger = logging.FromContext(ctx, p.logger).With("account_id", rn.cfg.AccountID)

	if err := r.SetState(models.StatusRunning); err != nil {
		rn.logger.Error("failed to mark session running", "error", err)
		rn.result.ErrorKind = models.ErrorKindInternal
		rn.result.Errors = append(rn.result.Errors, err.Error())
		return rn.result
	}

	p.execute(ctx, rn)

	if rn.result.ErrorKind == models.ErrorKindNone {
		rn.result.Success = true
	}
	if rn.result.Summary == "" {
		rn.result.Summary = summarize(rn.result)
	}
	p.recordHistory(ctx, rn)

	rn.logger.Info("automation run finished",
		"status", rn.result.FinalStatus(),
		"processed", rn.result.ProcessedItems,
		"failed", rn.result.FailedItems,
		"skipped", rn.result.SkippedItems,
		"total", rn.result.TotalItems,
		"quota_reached", rn.result.QuotaReached,
		"duration", p.now().Sub(rn.started),
	)
	return rn.result
}

func (p *Pipeline) execute(ctx context.Context, rn *run) {
	if rn.r.CancelRequested() {
		rn.result.Cancelled = true
		return
	}

	client, err := p.clients.New(portal.Credentials{
		UserID:   rn.userID,
		LoginID:  rn.cfg.LoginID,
		Password: rn.cfg.Password,
	})
	if err != nil {
		rn.fail(models.ErrorKindInternal, err, "Could not prepare the portal connection.")
		return
	}
	rn.client = client

	rn.r.Report(models.ProgressEvent{Type: models.EventStatus, Message: "Logging in to the portal", CurrentTask: "login"})
	if err := client.Login(ctx); err != nil {
		rn.logger.Warn("portal login failed", "error", err)
		rn.fail(models.ErrorKindAuthentication, err,
			"Portal login failed. Check the login id and password in account settings.")
		return
	}

	ids, err := p.discover(ctx, rn)
	if err != nil {
		rn.logger.Warn("listing discovery failed", "error", err)
		if portal.IsAuthenticationError(err) {
			rn.fail(models.ErrorKindAuthentication, err, "The portal session could not be kept alive. Check the account credentials.")
		} else {
			rn.fail(models.ErrorKindDiscovery, err, "Could not read the listing search results from the portal.")
		}
		return
	}
	if rn.r.CancelRequested() {
		rn.result.Cancelled = true
		return
	}

	pending, err := p.seen.FilterUnprocessed(ctx, rn.userID, ids)
	if err != nil {
		rn.fail(models.ErrorKindInternal, err, "Could not load today's processed listings.")
		return
	}
	rn.result.TotalItems = len(ids)
	rn.result.SkippedItems = len(ids) - len(pending)
	for i := 0; i < rn.result.SkippedItems; i++ {
		p.metrics.ObserveItem("skipped")
	}

	rn.r.Report(models.ProgressEvent{
		Type:       models.EventTotal,
		Message:    fmt.Sprintf("Found %d eligible listings, %d to process", len(ids), len(pending)),
		Total:      len(pending),
		Discovered: len(ids),
	})

	p.processAll(ctx, rn, pending)
}

// discover walks every search page and returns listing ids in discovery
// order without duplicates.
func (p *Pipeline) discover(ctx context.Context, rn *run) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	token := ""

	for page := 1; ; page++ {
		if page > p.opts.MaxPages {
			rn.logger.Warn("discovery page limit reached", "pages", p.opts.MaxPages, "listings", len(ids))
			return ids, nil
		}
		rn.r.Report(models.ProgressEvent{
			Type:        models.EventCollecting,
			Message:     fmt.Sprintf("Collecting eligible listings (page %d)", page),
			CurrentTask: "discovery",
		})

		batch, next, err := rn.client.ListEligible(ctx, token)
		if err != nil {
			return nil, &DiscoveryError{Page: page, Err: err}
		}
		for _, id := range batch {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}

		if next == "" || next == token {
			return ids, nil
		}
		token = next

		if !p.pause(ctx, rn.r, p.opts.PageDelay) {
			return ids, nil
		}
	}
}

func (p *Pipeline) processAll(ctx context.Context, rn *run, pending []string) {
	total := len(pending)

	for i, id := range pending {
		if rn.r.CancelRequested() {
			rn.result.Cancelled = true
			return
		}
		if err := ctx.Err(); err != nil {
			rn.fail(models.ErrorKindInternal, err, "The automation run was interrupted by a service shutdown.")
			return
		}

		ok, err := p.ledger.CanProcessMore(ctx, rn.userID, rn.cfg.Plan)
		if err != nil {
			rn.fail(models.ErrorKindInternal, err, "Could not check the plan quota.")
			return
		}
		if !ok {
			rn.result.QuotaReached = true
			p.metrics.ObserveQuotaStop()
			rn.r.Report(models.ProgressEvent{
				Type:    models.EventQuota,
				Message: constants.QuotaExceededMessage(rn.cfg.Plan),
			})
			return
		}

		rn.r.Report(models.ProgressEvent{
			Type:        models.EventProcessing,
			ItemID:      id,
			Message:     fmt.Sprintf("Processing listing %s (%d/%d)", id, i+1, total),
			CurrentTask: "listing " + id,
			Total:       total,
		})

		oldPrice, newPrice, err := p.processItem(ctx, rn, id)
		attempted := i + 1
		if err != nil {
			if portal.IsAuthenticationError(err) {
				rn.logger.Warn("portal session lost during processing", "listing_id", id, "error", err)
				rn.fail(models.ErrorKindAuthentication, err, "The portal session could not be kept alive. Check the account credentials.")
				return
			}
			rn.result.FailedItems++
			rn.result.Errors = append(rn.result.Errors, err.Error())
			p.metrics.ObserveItem("failure")
			rn.logger.Warn("listing failed", "listing_id", id, "error", err)
			rn.r.Report(models.ProgressEvent{
				Type:    models.EventError,
				ItemID:  id,
				Message: err.Error(),
				Current: attempted,
				Total:   total,
			})
		} else {
			p.recordSuccess(ctx, rn, id, oldPrice, newPrice)
			rn.r.Report(models.ProgressEvent{
				Type:           models.EventSuccess,
				ItemID:         id,
				Message:        fmt.Sprintf("Listing %s: price %d -> %d, deadline extended", id, oldPrice, newPrice),
				Current:        attempted,
				Total:          total,
				ItemsProcessed: rn.result.ProcessedItems,
			})
		}

		if attempted < total {
			// Cancellation or shutdown during the pause is picked up by the next iteration.
			p.pause(ctx, rn.r, p.opts.ItemDelay)
		}
	}
}

// processItem raises the price then extends the deadline. The session's rate
// was captured at start.
func (p *Pipeline) processItem(ctx context.Context, rn *run, id string) (int64, int64, error) {
	oldPrice, err := rn.client.GetPrice(ctx, id)
	if err != nil {
		return 0, 0, &ItemError{ListingID: id, Stage: "read price", Err: err}
	}
	newPrice := portal.NewPrice(oldPrice, rn.cfg.PriceRate)
	rn.r.Report(models.ProgressEvent{
		Type:    models.EventPrice,
		ItemID:  id,
		Message: fmt.Sprintf("Listing %s: %d -> %d", id, oldPrice, newPrice),
	})
	if err := rn.client.UpdatePrice(ctx, id, newPrice); err != nil {
		return oldPrice, newPrice, &ItemError{ListingID: id, Stage: "update price", Err: err}
	}
	if err := rn.client.ExtendDeadline(ctx, id); err != nil {
		return oldPrice, newPrice, &ItemError{ListingID: id, Stage: "extend deadline", Err: err}
	}
	return oldPrice, newPrice, nil
}

func (p *Pipeline) recordSuccess(ctx context.Context, rn *run, id string, oldPrice, newPrice int64) {
	rn.result.ProcessedItems++
	p.metrics.ObserveItem("success")

	if err := p.seen.MarkProcessed(ctx, rn.userID, id); err != nil {
		rn.logger.Error("failed to mark listing processed", "listing_id", id, "error", err)
	}
	if err := p.ledger.RecordProcessedForPlan(ctx, rn.userID, rn.cfg.Plan); err != nil {
		rn.logger.Error("failed to record quota usage", "listing_id", id, "error", err)
	}

	if p.history == nil {
		return
	}
	activity := &models.Activity{
		UserID:    rn.userID,
		SessionID: rn.r.ID(),
		ItemID:    id,
		Message:   fmt.Sprintf("Listing %s: %d -> %d KRW (price raised, deadline extended)", id, oldPrice, newPrice),
		CreatedAt: p.now(),
	}
	if err := p.history.AddActivity(context.WithoutCancel(ctx), activity, constants.RecentActivityLimit); err != nil {
		rn.logger.Error("failed to record activity", "listing_id", id, "error", err)
	}
}

// pause waits d unless the session is cancelled or ctx ends first.
// It reports whether the full delay elapsed.
func (p *Pipeline) pause(ctx context.Context, r session.Reporter, d time.Duration) bool {
	if d <= 0 {
		return !r.CancelRequested() && ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Cancelled():
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) recordHistory(ctx context.Context, rn *run) {
	if p.history == nil {
		return
	}
	// History writes must land even when the run context was cancelled.
	ctx = context.WithoutCancel(ctx)

	rec := &models.CompletionRecord{
		UserID:         rn.userID,
		SessionID:      rn.r.ID(),
		AccountID:      rn.cfg.AccountID,
		Trigger:        rn.cfg.Trigger,
		Status:         rn.result.FinalStatus(),
		ProcessedItems: rn.result.ProcessedItems,
		FailedItems:    rn.result.FailedItems,
		TotalItems:     rn.result.TotalItems,
		Summary:        rn.result.Summary,
		StartedAt:      rn.started,
		CompletedAt:    p.now(),
	}
	if err := p.history.AddCompletion(ctx, rec, constants.CompletionHistoryLimit); err != nil {
		rn.logger.Error("failed to record completion", "error", err)
	}

	activity := &models.Activity{
		UserID:    rn.userID,
		SessionID: rn.r.ID(),
		Message:   rn.result.Summary,
		CreatedAt: rec.CompletedAt,
	}
	if err := p.history.AddActivity(ctx, activity, constants.RecentActivityLimit); err != nil {
		rn.logger.Error("failed to record activity", "error", err)
	}
}

func summarize(r models.Result) string {
	switch {
	case r.Cancelled:
		return fmt.Sprintf("Cancelled after processing %d listings.", r.ProcessedItems)
	case r.QuotaReached:
		return fmt.Sprintf("Processed %d listings before reaching the plan limit.", r.ProcessedItems)
	case r.TotalItems == 0:
		return "No listings are due for extension."
	case r.TotalItems == r.SkippedItems:
		return fmt.Sprintf("All %d eligible listings were already processed today.", r.TotalItems)
	case r.FailedItems > 0:
		return fmt.Sprintf("Processed %d listings, %d failed.", r.ProcessedItems, r.FailedItems)
	default:
		return fmt.Sprintf("Processed %d listings.", r.ProcessedItems)
	}
}

// IsItemError reports whether err is a per-listing failure.
func IsItemError(err error) bool {
	var ie *ItemError
	return errors.As(err, &ie)
}
