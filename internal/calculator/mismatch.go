package calculator

import (
	"context"
	"strconv"

	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/pixel"
)

// QueryDataFetcher is the read-only slice of the database collaborator the
// mismatch calculator needs.
type QueryDataFetcher interface {
	FetchAllBrokerProfileQueryData(ctx context.Context) ([]models.BrokerProfileQueryData, error)
}

// MismatchParity labels the outcome of comparing event-derived match counts
// against the database's recorded opt-out jobs.
type MismatchParity string

const (
	ParityEqual          MismatchParity = "parity"
	ParityDatabaseHigher MismatchParity = "database-higher"
	ParityEventsHigher   MismatchParity = "events-higher"
)

// Mismatch is one discrepancy flagged for correction.
type Mismatch struct {
	BrokerKey      string
	BrokerID       int64
	ProfileQueryID int64
	EventCount     int
	RecordedCount  int
	Parity         MismatchParity
}

// MismatchCalculator reconciles database-recorded match counts against the
// event-log-derived counts. Best effort: a database read failure is pixeled
// and the calculator proceeds with whatever it has; it never blocks the job
// pipeline.
type MismatchCalculator struct {
	db     QueryDataFetcher
	pixels pixel.Sink
}

// NewMismatchCalculator creates a mismatch calculator.
func NewMismatchCalculator(db QueryDataFetcher, pixels pixel.Sink) *MismatchCalculator {
	return &MismatchCalculator{db: db, pixels: pixels}
}

// CalculateMismatches compares every pair and fires one pixel per pair:
// a mismatch pixel when the counts diverge, a parity pixel when they agree.
// The returned slice contains only the divergent pairs.
func (c *MismatchCalculator) CalculateMismatches(ctx context.Context) []Mismatch {
	data, err := c.db.FetchAllBrokerProfileQueryData(ctx)
	if err != nil {
		pixel.Fire(c.pixels, pixel.NameMismatchReadFailure, map[string]string{
			"error": err.Error(),
		})
		// Continue with partial data; fetch failures return nil data here.
	}

	var mismatches []Mismatch
	for _, queryData := range data {
		eventCount := queryData.LatestMatchesFound()
		recordedCount := len(queryData.OptOutJobData)

		parity := ParityEqual
		switch {
		case recordedCount > eventCount:
			parity = ParityDatabaseHigher
		case eventCount > recordedCount:
			parity = ParityEventsHigher
		}

		params := map[string]string{
			"broker":         queryData.Broker.Key(),
			"event_count":    strconv.Itoa(eventCount),
			"recorded_count": strconv.Itoa(recordedCount),
			"parity":         string(parity),
		}

		if parity == ParityEqual {
			pixel.Fire(c.pixels, pixel.NameMatchesParity, params)
			continue
		}

		pixel.Fire(c.pixels, pixel.NameMatchesMismatch, params)
		mismatches = append(mismatches, Mismatch{
			BrokerKey:      queryData.Broker.Key(),
			BrokerID:       queryData.Broker.ID,
			ProfileQueryID: queryData.ProfileQuery.ID,
			EventCount:     eventCount,
			RecordedCount:  recordedCount,
			Parity:         parity,
		})
	}

	return mismatches
}
