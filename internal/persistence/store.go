// Package persistence provides the snapshot storages and event logs that
// back workflow runs.
package persistence

import (
	"errors"
	"slices"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// ErrInvalidTTL is returned by lease operations given a non-positive ttl.
var ErrInvalidTTL = errors.New("ttl must be > 0")

// Store is a snapshot storage that can also fence runs with leases.
type Store interface {
	api.Storage
	api.LeaseStore
}

// runKey identifies a run inside a storage.
func runKey(workflowName, runID string) string {
	return workflowName + ":" + runID
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// pageRuns applies filter to runs held in memory. Runs are returned newest
// first; Total counts the matches before paging.
func pageRuns(runs []api.WorkflowRun, filter api.RunsFilter) *api.WorkflowRuns {
	matched := make([]api.WorkflowRun, 0, len(runs))
	for _, r := range runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.ResourceID != "" && r.ResourceID != filter.ResourceID {
			continue
		}
		if !filter.FromDate.IsZero() && r.CreatedAt.Before(filter.FromDate) {
			continue
		}
		if !filter.ToDate.IsZero() && r.CreatedAt.After(filter.ToDate) {
			continue
		}
		matched = append(matched, r)
	}

	slices.SortStableFunc(matched, func(a, b api.WorkflowRun) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return &api.WorkflowRuns{Runs: matched, Total: total}
}
