package calculator

import (
	"testing"
	"time"

	"github.com/broker-protection/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func testBroker(id int64, name string) models.Broker {
	return models.Broker{ID: id, Name: name, Version: "1.0.0"}
}

func scanPair(broker models.Broker, queryID int64, events ...models.HistoryEvent) models.BrokerProfileQueryData {
	return models.BrokerProfileQueryData{
		Broker:            broker,
		ProfileQuery:      models.ProfileQuery{ID: queryID},
		ScanHistoryEvents: events,
	}
}

func event(brokerID, queryID int64, eventType models.HistoryEventType, at time.Time) models.HistoryEvent {
	return models.HistoryEvent{BrokerID: brokerID, ProfileQueryID: queryID, Type: eventType, Date: at}
}

func TestStalledCalculator_EmptyInput(t *testing.T) {
	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))

	result := calc.Calculate(nil)

	assert.Equal(t, 0, result.Total)
	assert.Equal(t, 0, result.Stalled)
	assert.NotNil(t, result.TotalByBroker)
	assert.NotNil(t, result.StalledByBroker)
	assert.Empty(t, result.TotalByBroker)
	assert.Empty(t, result.StalledByBroker)
}

func TestStalledCalculator_CompletedJobNotStalled(t *testing.T) {
	broker := testBroker(1, "acme-data")
	start := testNow.Add(-2 * time.Hour)
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			event(1, 10, models.EventScanStarted, start),
			event(1, 10, models.EventMatchesFound, start.Add(5*time.Minute)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 0, result.Stalled)
	assert.Equal(t, 1, result.TotalByBroker[broker.Key()])
	assert.Zero(t, result.StalledByBroker[broker.Key()])
}

func TestStalledCalculator_LoneStartIsStalled(t *testing.T) {
	broker := testBroker(1, "acme-data")
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			event(1, 10, models.EventScanStarted, testNow.Add(-4*time.Hour)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Stalled)
	assert.Equal(t, 1, result.StalledByBroker[broker.Key()])
}

func TestStalledCalculator_LookbackBoundary(t *testing.T) {
	broker := testBroker(1, "acme-data")
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			// Older than the 7-day window: invisible entirely.
			event(1, 10, models.EventScanStarted, testNow.Add(-8*24*time.Hour)),
			// Within the window, past the timeout, unterminated: stalled.
			event(1, 10, models.EventScanStarted, testNow.Add(-4*time.Hour)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Stalled)
}

func TestStalledCalculator_RecentStartExcluded(t *testing.T) {
	broker := testBroker(1, "acme-data")
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			// 60 seconds old against a 30-minute timeout: too new to judge.
			event(1, 10, models.EventScanStarted, testNow.Add(-time.Minute)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 0, result.Total)
	assert.Equal(t, 0, result.Stalled)
}

func TestStalledCalculator_ErrorIsNotTerminal(t *testing.T) {
	broker := testBroker(1, "acme-data")
	start := testNow.Add(-3 * time.Hour)
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			event(1, 10, models.EventScanStarted, start),
			event(1, 10, models.EventError, start.Add(time.Minute)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Stalled, "an errored attempt without a terminal event stays stalled")
}

func TestStalledCalculator_ScanAndOptOutIndependent(t *testing.T) {
	broker := testBroker(1, "acme-data")
	scanStart := testNow.Add(-3 * time.Hour)
	optOutStart := testNow.Add(-2 * time.Hour)

	pair := models.BrokerProfileQueryData{
		Broker:       broker,
		ProfileQuery: models.ProfileQuery{ID: 10},
		ScanHistoryEvents: []models.HistoryEvent{
			event(1, 10, models.EventScanStarted, scanStart),
			event(1, 10, models.EventMatchesFound, scanStart.Add(time.Minute)),
		},
		OptOutJobData: []models.OptOutJobData{
			{
				ID: 100, BrokerID: 1, ProfileQueryID: 10, ExtractedProfileID: 7,
				HistoryEvents: []models.HistoryEvent{
					event(1, 10, models.EventOptOutStarted, optOutStart),
				},
			},
		},
	}
	data := []models.BrokerProfileQueryData{pair}

	scanResult := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock)).Calculate(data)
	optOutResult := NewStalledOperationCalculator(models.JobTypeOptOut, WithClock(fixedClock)).Calculate(data)

	assert.Equal(t, 1, scanResult.Total)
	assert.Equal(t, 0, scanResult.Stalled)

	assert.Equal(t, 1, optOutResult.Total)
	assert.Equal(t, 1, optOutResult.Stalled, "opt-out start has no opt-out terminal")
}

func TestStalledCalculator_TerminalBeforeStartDoesNotCount(t *testing.T) {
	broker := testBroker(1, "acme-data")
	start := testNow.Add(-2 * time.Hour)
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			// A terminal from an earlier attempt cannot complete a later start.
			event(1, 10, models.EventNoMatchFound, start.Add(-time.Hour)),
			event(1, 10, models.EventScanStarted, start),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Stalled)
}

func TestStalledCalculator_PresenceBasedPairing(t *testing.T) {
	// Two interleaved starts with a single terminal after both: the terminal
	// completes both instances. This matches the presence-based pairing the
	// calculator intentionally uses rather than strict FIFO pairing.
	broker := testBroker(1, "acme-data")
	first := testNow.Add(-5 * time.Hour)
	second := testNow.Add(-4 * time.Hour)
	data := []models.BrokerProfileQueryData{
		scanPair(broker, 10,
			event(1, 10, models.EventScanStarted, first),
			event(1, 10, models.EventScanStarted, second),
			event(1, 10, models.EventNoMatchFound, second.Add(time.Minute)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 0, result.Stalled)
}

func TestStalledCalculator_MultipleBrokers(t *testing.T) {
	brokerA := testBroker(1, "acme-data")
	brokerB := testBroker(2, "peoplefinder")
	data := []models.BrokerProfileQueryData{
		scanPair(brokerA, 10,
			event(1, 10, models.EventScanStarted, testNow.Add(-2*time.Hour)),
			event(1, 10, models.EventMatchesFound, testNow.Add(-110*time.Minute)),
		),
		scanPair(brokerB, 10,
			event(2, 10, models.EventScanStarted, testNow.Add(-2*time.Hour)),
		),
	}

	calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
	result := calc.Calculate(data)

	require.Equal(t, 2, result.Total)
	require.Equal(t, 1, result.Stalled)
	assert.Equal(t, 1, result.TotalByBroker[brokerA.Key()])
	assert.Equal(t, 1, result.TotalByBroker[brokerB.Key()])
	assert.Zero(t, result.StalledByBroker[brokerA.Key()])
	assert.Equal(t, 1, result.StalledByBroker[brokerB.Key()])
}

func TestStalledCalculator_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	eventTypeGen := gen.OneConstOf(
		models.EventScanStarted,
		models.EventMatchesFound,
		models.EventNoMatchFound,
		models.EventError,
		models.EventOptOutStarted,
		models.EventOptOutRequested,
	)
	// Event ages spread across and beyond the lookback window.
	ageGen := gen.IntRange(0, int(9*24*time.Hour/time.Minute))

	dataGen := gen.SliceOf(gopter.CombineGens(eventTypeGen, ageGen).Map(
		func(vals []interface{}) models.HistoryEvent {
			age := time.Duration(vals[1].(int)) * time.Minute
			return models.HistoryEvent{
				BrokerID:       1,
				ProfileQueryID: 10,
				Type:           vals[0].(models.HistoryEventType),
				Date:           testNow.Add(-age),
			}
		},
	)).Map(func(events []models.HistoryEvent) []models.BrokerProfileQueryData {
		return []models.BrokerProfileQueryData{scanPair(testBroker(1, "acme-data"), 10, events...)}
	})

	properties.Property("stalled never exceeds total", prop.ForAll(
		func(data []models.BrokerProfileQueryData) bool {
			result := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock)).Calculate(data)
			return result.Stalled <= result.Total
		},
		dataGen,
	))

	properties.Property("per-broker counts sum to the totals", prop.ForAll(
		func(data []models.BrokerProfileQueryData) bool {
			result := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock)).Calculate(data)
			totalSum, stalledSum := 0, 0
			for _, n := range result.TotalByBroker {
				totalSum += n
			}
			for _, n := range result.StalledByBroker {
				stalledSum += n
			}
			return totalSum == result.Total && stalledSum == result.Stalled
		},
		dataGen,
	))

	properties.Property("adding a fresh terminal never increases stalled", prop.ForAll(
		func(data []models.BrokerProfileQueryData) bool {
			calc := NewStalledOperationCalculator(models.JobTypeScan, WithClock(fixedClock))
			before := calc.Calculate(data)

			augmented := scanPair(testBroker(1, "acme-data"), 10,
				append(append([]models.HistoryEvent{}, data[0].ScanHistoryEvents...),
					event(1, 10, models.EventMatchesFound, testNow))...)
			after := calc.Calculate([]models.BrokerProfileQueryData{augmented})

			return after.Stalled <= before.Stalled && after.Total == before.Total
		},
		dataGen,
	))

	properties.TestingRun(t)
}
