package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/service/anomaly"
)

const maxEventBytes = 1 << 20

// processEvents scores one JSON event per input line and writes one JSON
// score per output line. Lines that fail to decode or score are logged and
// skipped; a disabled engine or a write failure stops processing.
func processEvents(ctx context.Context, svc anomaly.Service, in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	enc := json.NewEncoder(out)
	var processed, skipped, line int

	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil
		}

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		event, err := decodeEvent(raw)
		if err != nil {
			skipped++
			logger.Warn("skipping malformed event", zap.Int("line", line), zap.Error(err))
			continue
		}

		score, err := svc.DetectAnomalies(ctx, event)
		if err != nil {
			if stderrors.Is(err, errors.ErrServiceDisabled) {
				return err
			}
			skipped++
			logger.Warn("skipping event", zap.Int("line", line), zap.String("entity_id", event.EntityID), zap.Error(err))
			continue
		}

		if err := enc.Encode(score); err != nil {
			return fmt.Errorf("writing score: %w", err)
		}
		processed++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	logger.Info("input exhausted", zap.Int("processed", processed), zap.Int("skipped", skipped))
	return nil
}

// decodeEvent keeps numeric fields as json.Number so large integers survive
func decodeEvent(raw []byte) (anomaly.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var event anomaly.Event
	if err := dec.Decode(&event); err != nil {
		return anomaly.Event{}, err
	}
	return event, nil
}
