package crmsync

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

// stagePriority orders subproject statuses from most to least significant. A
// deal's stage mirrors the highest-priority status among its orders, so one
// order reaching "to_be_invoiced" pulls the whole deal there even while
// siblings lag behind.
var stagePriority = []string{
	"to_be_invoiced",
	"confirmed",
	"invoiced",
	"completed",
	"pending",
	"concept",
	"cancelled",
}

var stageRank = func() map[string]int {
	ranks := make(map[string]int, len(stagePriority))
	for i, stage := range stagePriority {
		ranks[stage] = i
	}
	return ranks
}()

// HighestPriorityStage picks the winning status from an unordered multiset.
// Unknown statuses are ignored; false means nothing usable was present.
func HighestPriorityStage(statuses []string) (string, bool) {
	best, found := len(stagePriority), false
	for _, status := range statuses {
		if rank, ok := stageRank[canonicalStatus(status)]; ok && rank < best {
			best, found = rank, true
		}
	}
	if !found {
		return "", false
	}
	return stagePriority[best], true
}

// canonicalStatus folds a display name like "To be invoiced" onto the
// priority-table key.
func canonicalStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	return strings.ReplaceAll(s, " ", "_")
}

// dealStageFor translates the winning subproject status to the CRM pipeline
// stage id. By default stage ids match the canonical status names; accounts
// with custom pipelines override via CRM_DEAL_STAGE_MAP (a JSON object).
func dealStageFor(status string) string {
	if mapped, ok := stageOverride()[status]; ok {
		return mapped
	}
	return status
}

var (
	stageOverrideOnce sync.Once
	stageOverrideMap  map[string]string
)

func stageOverride() map[string]string {
	stageOverrideOnce.Do(func() {
		stageOverrideMap = map[string]string{}
		raw := strings.TrimSpace(os.Getenv("CRM_DEAL_STAGE_MAP"))
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &stageOverrideMap)
		}
	})
	return stageOverrideMap
}

// StatusAggregator recomputes a deal's CRM stage and amount from the statuses
// and prices of its rental subprojects.
type StatusAggregator struct {
	engine *Engine

	mu          sync.Mutex
	statusNames map[string]string
	loadedAt    time.Time
}

func NewStatusAggregator(e *Engine) *StatusAggregator {
	return &StatusAggregator{engine: e, statusNames: map[string]string{}}
}

// RecomputeDealFromOrder resolves the order's parent deal and recomputes it.
func (a *StatusAggregator) RecomputeDealFromOrder(ctx context.Context, order *models.CorrelationRecord) error {
	if order == nil || order.ParentLocalId == nil {
		return nil
	}
	return a.RecomputeDeal(ctx, *order.ParentLocalId)
}

// RecomputeDeal aggregates the deal's orders. No usable order statuses means
// the deal's stage is left untouched; the empty multiset says nothing.
func (a *StatusAggregator) RecomputeDeal(ctx context.Context, dealLocalId uint) error {
	e := a.engine
	deal, err := e.store.FindByLocal(ctx, models.KindDeal, dealLocalId)
	if err != nil {
		return err
	}
	if deal == nil || deal.SystemAId == nil {
		return nil
	}
	orders, err := e.store.ListChildren(ctx, models.KindOrder, dealLocalId)
	if err != nil {
		return err
	}

	var statuses []string
	total, priced := decimal.Zero, false
	for _, order := range orders {
		if order.SystemBId == nil {
			continue
		}
		sub, err := e.rental.Get(ctx, rentalCollection(models.KindOrder), *order.SystemBId)
		if clients.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if status := a.resolveStatus(ctx, sub.String("status")); status != "" {
			statuses = append(statuses, status)
		}
		if price, err := decimal.NewFromString(sub.String("price")); err == nil {
			total, priced = total.Add(price), true
		}
	}

	winning, ok := HighestPriorityStage(statuses)
	if !ok && !priced {
		return nil
	}

	current, err := e.crm.Get(ctx, crmObjectType(models.KindDeal), *deal.SystemAId)
	if clients.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	updates := clients.Record{}
	if ok {
		if stage := dealStageFor(winning); stage != current.PropString("dealstage") {
			updates["dealstage"] = stage
		}
	}
	if priced {
		if amount := total.StringFixed(2); amount != normalizeAmount(current.PropString("amount")) {
			updates["amount"] = amount
		}
	}
	if len(updates) == 0 {
		return nil
	}
	_, err = e.crm.Update(ctx, crmObjectType(models.KindDeal), *deal.SystemAId, updates)
	return err
}

// resolveStatus turns the subproject's status field into a display name. The
// rental API stores it as a reference path; the status list is small and
// stable, so it is cached in redis and in-process for ten minutes.
func (a *StatusAggregator) resolveStatus(ctx context.Context, raw string) string {
	id := clients.RefId(raw, "statuses")
	if id == "" {
		return raw
	}
	names := a.loadStatusNames(ctx)
	return names[id]
}

func (a *StatusAggregator) loadStatusNames(ctx context.Context) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.statusNames) > 0 && time.Since(a.loadedAt) < 10*time.Minute {
		return a.statusNames
	}

	var cached map[string]string
	if found, err := config.GetRedisObject("rental:status_names", &cached); err == nil && found && len(cached) > 0 {
		a.statusNames, a.loadedAt = cached, time.Now()
		return a.statusNames
	}

	records, err := a.engine.rental.Search(ctx, "statuses", nil)
	if err != nil {
		config.LogError(a.engine.logger, "crmsync", "loadStatusNames", "fetching rental status list", nil, err)
		return a.statusNames
	}
	names := make(map[string]string, len(records))
	for _, rec := range records {
		if id := rec.String("id"); id != "" {
			names[id] = rec.String("name")
		}
	}
	if len(names) > 0 {
		a.statusNames, a.loadedAt = names, time.Now()
		if err := config.SetRedisObject("rental:status_names", names, 10*time.Minute); err != nil {
			config.LogError(a.engine.logger, "crmsync", "loadStatusNames", "caching rental status list", nil, err)
		}
	}
	return a.statusNames
}
