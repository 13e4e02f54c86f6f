package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/cco-dev/claude-code-orchestra/internal/metrics"
	"github.com/cco-dev/claude-code-orchestra/internal/metrics/store"
)

// statsCacheTTL bounds how long a GET /api/stats response is served from
// cache before the next request recomputes it from the live snapshot.
const statsCacheTTL = 5 * time.Second

type statsResponse struct {
	TimeRange          string                  `json:"time_range"`
	ProjectTotals      []metrics.ProjectTotals `json:"project_totals"`
	ActivityTail       []activityEntry         `json:"activity_tail"`
	TopProjectsByCost  []metrics.ProjectTotals `json:"top_projects_by_cost"`
	ModelsByCost       []modelEntry            `json:"models_by_cost"`
	OldestConversation time.Time               `json:"oldest_conversation"`
}

type activityEntry struct {
	Date   string         `json:"date"`
	Model  string         `json:"model"`
	Totals metrics.Totals `json:"totals"`
}

type modelEntry struct {
	Model  string         `json:"model"`
	Totals metrics.Totals `json:"totals"`
}

const activityTailLimit = 50
const topProjectsLimit = 10

// stats synthesises the last aggregated snapshot into project totals, an
// activity tail, top-K project and model summaries sorted by cost, and the
// oldest covered conversation timestamp (spec §4.K "GET /api/stats").
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	timeRange := r.URL.Query().Get("time_range")
	if timeRange == "" {
		timeRange = "all"
	}
	switch timeRange {
	case "today", "week", "month", "all":
	default:
		writeJSONError(w, http.StatusBadRequest, "time_range must be one of today, week, month, all")
		return
	}

	cacheKey := "stats:" + timeRange
	if h.opts.StatsCache != nil {
		if cached, ok, err := h.opts.StatsCache.Get(r.Context(), cacheKey); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	if h.opts.Snapshot == nil {
		writeJSON(w, http.StatusOK, statsResponse{TimeRange: timeRange})
		return
	}
	snap := h.opts.Snapshot()

	resp := statsResponse{TimeRange: timeRange}

	var oldest time.Time
	for _, proj := range snap.ByProject {
		resp.ProjectTotals = append(resp.ProjectTotals, *proj)
		if !proj.FirstActivity.IsZero() && (oldest.IsZero() || proj.FirstActivity.Before(oldest)) {
			oldest = proj.FirstActivity
		}
	}
	resp.OldestConversation = oldest

	top := append([]metrics.ProjectTotals(nil), resp.ProjectTotals...)
	sort.Slice(top, func(i, j int) bool { return top[i].Cost > top[j].Cost })
	if len(top) > topProjectsLimit {
		top = top[:topProjectsLimit]
	}
	resp.TopProjectsByCost = top

	for model, totals := range snap.ByModel {
		resp.ModelsByCost = append(resp.ModelsByCost, modelEntry{Model: model, Totals: *totals})
	}
	sort.Slice(resp.ModelsByCost, func(i, j int) bool { return resp.ModelsByCost[i].Totals.Cost > resp.ModelsByCost[j].Totals.Cost })

	if h.opts.MetricsStore != nil {
		start, end := timeRangeBounds(timeRange, time.Now().UTC())
		rows, err := h.opts.MetricsStore.DailyRollupsInRange(r.Context(), start, end)
		if err == nil {
			sort.Slice(rows, func(i, j int) bool { return rows[i].Date > rows[j].Date })
			if len(rows) > activityTailLimit {
				rows = rows[:activityTailLimit]
			}
			for _, row := range rows {
				resp.ActivityTail = append(resp.ActivityTail, activityEntry{Date: row.Date, Model: row.Model, Totals: row.Totals})
			}
		}
	}

	if h.opts.StatsCache != nil {
		if data, err := json.Marshal(resp); err == nil {
			_ = h.opts.StatsCache.Set(r.Context(), cacheKey, data, statsCacheTTL)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// timeRangeBounds converts a time_range keyword into an inclusive
// "YYYY-MM-DD" date range ending today.
func timeRangeBounds(timeRange string, now time.Time) (start, end string) {
	end = now.Format("2006-01-02")
	switch timeRange {
	case "today":
		start = end
	case "week":
		start = now.AddDate(0, 0, -7).Format("2006-01-02")
	case "month":
		start = now.AddDate(0, -1, 0).Format("2006-01-02")
	default: // "all"
		start = "0000-01-01"
	}
	return start, end
}
