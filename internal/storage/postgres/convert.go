package postgres

import (
	"slices"

	"github.com/google/uuid"

	"github.com/jkaninda/checkbench/internal/history"
)

func toRunModel(run history.Run) RunModel {
	id := run.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	results := make([]ToolResultModel, len(run.Results))
	for i, r := range run.Results {
		results[i] = ToolResultModel{
			RunID:      id,
			Position:   i,
			Tool:       r.Tool,
			ReturnCode: r.ReturnCode,
			DurationMs: r.DurationMs,
			Cached:     r.Cached,
		}
	}
	return RunModel{
		ID:            id,
		SessionID:     run.SessionID,
		PythonVersion: run.PythonVersion,
		Tools:         nonNil(run.Tools),
		Dependencies:  nonNil(run.Dependencies),
		InstallCode:   run.InstallCode,
		DurationMs:    run.DurationMs,
		StartedAt:     run.StartedAt.UTC(),
		Results:       results,
	}
}

func toRunDomain(m *RunModel) history.Run {
	results := slices.Clone(m.Results)
	slices.SortFunc(results, func(a, b ToolResultModel) int { return a.Position - b.Position })

	summaries := make([]history.ToolSummary, len(results))
	for i, r := range results {
		summaries[i] = history.ToolSummary{
			Tool:       r.Tool,
			ReturnCode: r.ReturnCode,
			DurationMs: r.DurationMs,
			Cached:     r.Cached,
		}
	}
	return history.Run{
		ID:            m.ID,
		SessionID:     m.SessionID,
		PythonVersion: m.PythonVersion,
		Tools:         nonNil(m.Tools),
		Dependencies:  nonNil(m.Dependencies),
		InstallCode:   m.InstallCode,
		Results:       summaries,
		StartedAt:     m.StartedAt,
		DurationMs:    m.DurationMs,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
