package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// DailyBudgetRow is the persisted form of one UTC day's LLM usage counter.
type DailyBudgetRow struct {
	Date          string
	TotalCalls    int
	CallsByModel  map[string]int
	TokensIn      int64
	TokensOut     int64
	EstimatedCost float64
	Limit         int
	Tier          string
}

// GetOrCreateDailyBudget fetches the counter row for date, inserting a
// fresh zeroed row (tier "normal") if none exists yet.
func (db *DB) GetOrCreateDailyBudget(ctx context.Context, date string, limit int) (*DailyBudgetRow, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, daily_limit, tier
		FROM daily_budgets WHERE date = $1
	`, date)

	var r DailyBudgetRow
	var callsJSON []byte
	err := row.Scan(&r.Date, &r.TotalCalls, &callsJSON, &r.TokensIn, &r.TokensOut, &r.EstimatedCost, &r.Limit, &r.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		_, insertErr := db.pool.Exec(ctx, `
			INSERT INTO daily_budgets (date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, daily_limit, tier)
			VALUES ($1, 0, '{}'::jsonb, 0, 0, 0, $2, 'normal')
			ON CONFLICT (date) DO NOTHING
		`, date, limit)
		if insertErr != nil {
			return nil, fmt.Errorf("insert daily_budgets row: %w", insertErr)
		}
		return &DailyBudgetRow{Date: date, Limit: limit, Tier: "normal", CallsByModel: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily_budgets row: %w", err)
	}
	if err := json.Unmarshal(callsJSON, &r.CallsByModel); err != nil {
		r.CallsByModel = map[string]int{}
	}
	return &r, nil
}

// RecordLLMCall atomically increments the counters for one call and
// updates the tier label in the same statement. The caller (internal/quota)
// computes the new tier beforehand from the totals it read plus this
// call, and passes it in as newTier; this is a single
// round trip so two concurrent calls never race on the increment.
func (db *DB) RecordLLMCall(ctx context.Context, date, model string, tokensIn, tokensOut int64, costDelta float64, newTier string) (*DailyBudgetRow, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO daily_budgets (date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, daily_limit, tier)
		VALUES ($1, 1, jsonb_build_object($2::text, 1), $3, $4, $5, 0, $6)
		ON CONFLICT (date) DO UPDATE SET
			total_calls = daily_budgets.total_calls + 1,
			calls_by_model = jsonb_set(
				daily_budgets.calls_by_model,
				ARRAY[$2::text],
				to_jsonb(COALESCE((daily_budgets.calls_by_model->>$2::text)::int, 0) + 1)
			),
			tokens_in = daily_budgets.tokens_in + $3,
			tokens_out = daily_budgets.tokens_out + $4,
			estimated_cost = daily_budgets.estimated_cost + $5,
			tier = $6
		RETURNING date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, daily_limit, tier
	`, date, model, tokensIn, tokensOut, costDelta, newTier)

	var r DailyBudgetRow
	var callsJSON []byte
	if err := row.Scan(&r.Date, &r.TotalCalls, &callsJSON, &r.TokensIn, &r.TokensOut, &r.EstimatedCost, &r.Limit, &r.Tier); err != nil {
		return nil, fmt.Errorf("record llm call: %w", err)
	}
	if err := json.Unmarshal(callsJSON, &r.CallsByModel); err != nil {
		r.CallsByModel = map[string]int{}
	}

	log.Debug().
		Str("date", date).
		Str("model", model).
		Int("total_calls", r.TotalCalls).
		Str("tier", r.Tier).
		Msg("llm call recorded against daily budget")

	return &r, nil
}
