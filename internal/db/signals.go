package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/signal"
)

// InsertSignal persists one completed debate's Signal and returns the
// assigned row ID.
func (db *DB) InsertSignal(ctx context.Context, s *signal.Signal) (int64, error) {
	roleOpinions, err := json.Marshal(s.RoleOpinions)
	if err != nil {
		return 0, fmt.Errorf("marshal role_opinions: %w", err)
	}
	roleInputMessages, err := json.Marshal(s.RoleInputMessages)
	if err != nil {
		return 0, fmt.Errorf("marshal role_input_messages: %w", err)
	}
	finalInputMessages, err := json.Marshal(s.FinalInputMessages)
	if err != nil {
		return 0, fmt.Errorf("marshal final_input_messages: %w", err)
	}
	stageTimestamps, err := json.Marshal(s.StageTimestamps)
	if err != nil {
		return 0, fmt.Errorf("marshal stage_timestamps: %w", err)
	}

	query := `
		INSERT INTO signals (
			symbol, created_at, action, confidence, risk_level, reason,
			risk_assessment, final_raw_output, role_opinions,
			role_input_messages, final_input_messages, stage_timestamps,
			price_at_signal, daily_quote, voice_text, error_text,
			tp_price, sl_price, leverage, parsed_by_fallback
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)
		RETURNING id
	`

	var id int64
	err = db.pool.QueryRow(ctx, query,
		s.Symbol,
		s.CreatedAt,
		s.Action,
		s.Confidence,
		s.RiskLevel,
		s.Reason,
		s.RiskAssessment,
		s.FinalRawOutput,
		roleOpinions,
		roleInputMessages,
		finalInputMessages,
		stageTimestamps,
		s.PriceAtSignal,
		s.DailyQuote,
		s.VoiceText,
		s.ErrorText,
		s.TPPrice,
		s.SLPrice,
		s.Leverage,
		s.ParsedByFallback,
	).Scan(&id)

	if err != nil {
		log.Error().Err(err).Str("symbol", s.Symbol).Msg("Failed to insert signal")
		return 0, fmt.Errorf("failed to insert signal: %w", err)
	}

	log.Debug().
		Int64("signal_id", id).
		Str("symbol", s.Symbol).
		Str("action", string(s.Action)).
		Int("confidence", s.Confidence).
		Msg("Signal inserted into database")

	return id, nil
}
