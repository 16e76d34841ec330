package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/broker-protection/internal/models"
	"github.com/jackc/pgx/v5"
)

// ProfileQueryRepository is the database collaborator for the job engine:
// brokers, profile queries, job history, opt-out jobs, the job schedule and
// background-task events. Writes are assumed transactionally safe under
// concurrent job execution; each method is one statement or one read
// sequence.
type ProfileQueryRepository struct {
	db *PostgresDB
}

// NewProfileQueryRepository creates a new repository.
func NewProfileQueryRepository(db *PostgresDB) *ProfileQueryRepository {
	return &ProfileQueryRepository{db: db}
}

// ScheduleEntry is one row of the job schedule: when a (broker, query, type)
// job next becomes runnable.
type ScheduleEntry struct {
	BrokerID       int64
	ProfileQueryID int64
	JobType        models.JobType
	PreferredRunAt time.Time
}

// FetchAllBrokerProfileQueryData assembles the full picture: every
// broker × profile-query pair with its scan event log and opt-out jobs.
// Pairs without any recorded events are included; they represent scans that
// have never run.
func (r *ProfileQueryRepository) FetchAllBrokerProfileQueryData(ctx context.Context) ([]models.BrokerProfileQueryData, error) {
	brokers, err := r.FetchAllBrokers(ctx)
	if err != nil {
		return nil, err
	}
	queries, err := r.FetchAllProfileQueries(ctx)
	if err != nil {
		return nil, err
	}
	scanEvents, err := r.fetchScanEvents(ctx)
	if err != nil {
		return nil, err
	}
	optOuts, err := r.fetchOptOutJobs(ctx)
	if err != nil {
		return nil, err
	}

	type pair struct{ brokerID, queryID int64 }
	scansByPair := make(map[pair][]models.HistoryEvent)
	for _, ev := range scanEvents {
		key := pair{ev.BrokerID, ev.ProfileQueryID}
		scansByPair[key] = append(scansByPair[key], ev)
	}
	optOutsByPair := make(map[pair][]models.OptOutJobData)
	for _, job := range optOuts {
		key := pair{job.BrokerID, job.ProfileQueryID}
		optOutsByPair[key] = append(optOutsByPair[key], job)
	}

	var data []models.BrokerProfileQueryData
	for _, broker := range brokers {
		for _, query := range queries {
			key := pair{broker.ID, query.ID}
			data = append(data, models.BrokerProfileQueryData{
				Broker:            broker,
				ProfileQuery:      query,
				ScanHistoryEvents: scansByPair[key],
				OptOutJobData:     optOutsByPair[key],
			})
		}
	}
	return data, nil
}

// FetchAllBrokers returns every broker definition.
func (r *ProfileQueryRepository) FetchAllBrokers(ctx context.Context) ([]models.Broker, error) {
	query := `
		SELECT id, name, version, url, opt_out_url, scheduling_interval_hours, created_at
		FROM brokers
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch brokers: %w", err)
	}
	defer rows.Close()

	var brokers []models.Broker
	for rows.Next() {
		var b models.Broker
		if err := rows.Scan(&b.ID, &b.Name, &b.Version, &b.URL, &b.OptOutURL, &b.SchedulingIntervalHours, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan broker: %w", err)
		}
		brokers = append(brokers, b)
	}
	return brokers, rows.Err()
}

// FetchAllProfileQueries returns every profile query, deprecated included.
func (r *ProfileQueryRepository) FetchAllProfileQueries(ctx context.Context) ([]models.ProfileQuery, error) {
	query := `
		SELECT id, first_name, last_name, city, state, birth_year, deprecated, created_at
		FROM profile_queries
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile queries: %w", err)
	}
	defer rows.Close()

	var queries []models.ProfileQuery
	for rows.Next() {
		var q models.ProfileQuery
		if err := rows.Scan(&q.ID, &q.FirstName, &q.LastName, &q.City, &q.State, &q.BirthYear, &q.Deprecated, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile query: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func (r *ProfileQueryRepository) fetchScanEvents(ctx context.Context) ([]models.HistoryEvent, error) {
	query := `
		SELECT broker_id, profile_query_id, event_type, matches_found, created_at
		FROM scan_history
		ORDER BY created_at
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scan history: %w", err)
	}
	defer rows.Close()

	var events []models.HistoryEvent
	for rows.Next() {
		var ev models.HistoryEvent
		var eventType string
		if err := rows.Scan(&ev.BrokerID, &ev.ProfileQueryID, &eventType, &ev.MatchesFound, &ev.Date); err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		ev.Type = models.HistoryEventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *ProfileQueryRepository) fetchOptOutJobs(ctx context.Context) ([]models.OptOutJobData, error) {
	query := `
		SELECT id, broker_id, profile_query_id, extracted_profile_id, removed_at, created_at
		FROM opt_out_jobs
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch opt-out jobs: %w", err)
	}
	defer rows.Close()

	jobsByID := make(map[int64]*models.OptOutJobData)
	var order []int64
	for rows.Next() {
		var job models.OptOutJobData
		if err := rows.Scan(&job.ID, &job.BrokerID, &job.ProfileQueryID, &job.ExtractedProfileID, &job.RemovedDate, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan opt-out job: %w", err)
		}
		jobsByID[job.ID] = &job
		order = append(order, job.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	eventsQuery := `
		SELECT j.id, j.broker_id, j.profile_query_id, h.event_type, h.created_at
		FROM opt_out_history h
		JOIN opt_out_jobs j ON j.id = h.opt_out_job_id
		ORDER BY h.created_at
	`
	eventRows, err := r.db.Pool().Query(ctx, eventsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch opt-out history: %w", err)
	}
	defer eventRows.Close()

	for eventRows.Next() {
		var jobID int64
		var ev models.HistoryEvent
		var eventType string
		if err := eventRows.Scan(&jobID, &ev.BrokerID, &ev.ProfileQueryID, &eventType, &ev.Date); err != nil {
			return nil, fmt.Errorf("failed to scan opt-out history event: %w", err)
		}
		ev.Type = models.HistoryEventType(eventType)
		if job, ok := jobsByID[jobID]; ok {
			job.HistoryEvents = append(job.HistoryEvents, ev)
		}
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]models.OptOutJobData, 0, len(order))
	for _, id := range order {
		jobs = append(jobs, *jobsByID[id])
	}
	return jobs, nil
}

// FetchOpenOptOutJobs returns the opt-out jobs for one broker/query pair
// whose matches have not been removed yet.
func (r *ProfileQueryRepository) FetchOpenOptOutJobs(ctx context.Context, brokerID, profileQueryID int64) ([]models.OptOutJobData, error) {
	query := `
		SELECT id, broker_id, profile_query_id, extracted_profile_id, removed_at, created_at
		FROM opt_out_jobs
		WHERE broker_id = $1 AND profile_query_id = $2 AND removed_at IS NULL
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query, brokerID, profileQueryID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open opt-out jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.OptOutJobData
	for rows.Next() {
		var job models.OptOutJobData
		if err := rows.Scan(&job.ID, &job.BrokerID, &job.ProfileQueryID, &job.ExtractedProfileID, &job.RemovedDate, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan opt-out job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FetchFirstEligibleJobDate returns the earliest preferred run date in the
// schedule, or nil when nothing is scheduled.
func (r *ProfileQueryRepository) FetchFirstEligibleJobDate(ctx context.Context) (*time.Time, error) {
	query := `SELECT MIN(preferred_run_at) FROM job_schedule`

	var first *time.Time
	if err := r.db.Pool().QueryRow(ctx, query).Scan(&first); err != nil {
		return nil, fmt.Errorf("failed to fetch first eligible job date: %w", err)
	}
	return first, nil
}

// FetchJobSchedule returns every schedule row.
func (r *ProfileQueryRepository) FetchJobSchedule(ctx context.Context) ([]ScheduleEntry, error) {
	query := `SELECT broker_id, profile_query_id, job_type, preferred_run_at FROM job_schedule`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job schedule: %w", err)
	}
	defer rows.Close()

	var entries []ScheduleEntry
	for rows.Next() {
		var e ScheduleEntry
		var jobType string
		if err := rows.Scan(&e.BrokerID, &e.ProfileQueryID, &jobType, &e.PreferredRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		e.JobType = models.JobType(jobType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdatePreferredRunDate upserts the schedule row for a job.
func (r *ProfileQueryRepository) UpdatePreferredRunDate(ctx context.Context, brokerID, profileQueryID int64, jobType models.JobType, at time.Time) error {
	query := `
		INSERT INTO job_schedule (broker_id, profile_query_id, job_type, preferred_run_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (broker_id, profile_query_id, job_type)
		DO UPDATE SET preferred_run_at = $4
	`
	if _, err := r.db.Pool().Exec(ctx, query, brokerID, profileQueryID, string(jobType), at); err != nil {
		return fmt.Errorf("failed to update preferred run date: %w", err)
	}
	return nil
}

// AppendScanHistoryEvent appends one scan event. The log is append-only.
func (r *ProfileQueryRepository) AppendScanHistoryEvent(ctx context.Context, ev models.HistoryEvent) error {
	query := `
		INSERT INTO scan_history (broker_id, profile_query_id, event_type, matches_found, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Pool().Exec(ctx, query, ev.BrokerID, ev.ProfileQueryID, string(ev.Type), ev.MatchesFound, ev.Date); err != nil {
		return fmt.Errorf("failed to append scan history event: %w", err)
	}
	return nil
}

// AppendOptOutHistoryEvent appends one opt-out event for the given job.
func (r *ProfileQueryRepository) AppendOptOutHistoryEvent(ctx context.Context, optOutJobID int64, eventType models.HistoryEventType, date time.Time) error {
	query := `
		INSERT INTO opt_out_history (opt_out_job_id, event_type, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Pool().Exec(ctx, query, optOutJobID, string(eventType), date); err != nil {
		return fmt.Errorf("failed to append opt-out history event: %w", err)
	}
	return nil
}

// CreateOptOutJob records a newly extracted profile found during a scan.
// Re-finding the same extracted profile is a no-op.
func (r *ProfileQueryRepository) CreateOptOutJob(ctx context.Context, brokerID, profileQueryID, extractedProfileID int64) (int64, error) {
	query := `
		INSERT INTO opt_out_jobs (broker_id, profile_query_id, extracted_profile_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (broker_id, profile_query_id, extracted_profile_id) DO NOTHING
		RETURNING id
	`
	var id int64
	err := r.db.Pool().QueryRow(ctx, query, brokerID, profileQueryID, extractedProfileID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: fetch the existing row.
		lookup := `
			SELECT id FROM opt_out_jobs
			WHERE broker_id = $1 AND profile_query_id = $2 AND extracted_profile_id = $3
		`
		if err := r.db.Pool().QueryRow(ctx, lookup, brokerID, profileQueryID, extractedProfileID).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to look up opt-out job: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create opt-out job: %w", err)
	}
	return id, nil
}

// MatchRemovedByUser marks an opt-out job's match as removed at the user's
// request, taking it out of the runnable set.
func (r *ProfileQueryRepository) MatchRemovedByUser(ctx context.Context, optOutJobID int64) error {
	query := `UPDATE opt_out_jobs SET removed_at = NOW() WHERE id = $1`
	if _, err := r.db.Pool().Exec(ctx, query, optOutJobID); err != nil {
		return fmt.Errorf("failed to mark match removed: %w", err)
	}
	return nil
}

// MarkOptOutRemoved records a broker-confirmed removal.
func (r *ProfileQueryRepository) MarkOptOutRemoved(ctx context.Context, optOutJobID int64, at time.Time) error {
	query := `UPDATE opt_out_jobs SET removed_at = $2 WHERE id = $1`
	if _, err := r.db.Pool().Exec(ctx, query, optOutJobID, at); err != nil {
		return fmt.Errorf("failed to mark opt-out removed: %w", err)
	}
	return nil
}

// UpsertBroker inserts or refreshes a broker definition, keyed by
// (name, version).
func (r *ProfileQueryRepository) UpsertBroker(ctx context.Context, broker models.Broker) error {
	query := `
		INSERT INTO brokers (name, version, url, opt_out_url, scheduling_interval_hours, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name, version)
		DO UPDATE SET url = $3, opt_out_url = $4, scheduling_interval_hours = $5
	`
	if _, err := r.db.Pool().Exec(ctx, query, broker.Name, broker.Version, broker.URL, broker.OptOutURL, broker.SchedulingIntervalHours); err != nil {
		return fmt.Errorf("failed to upsert broker: %w", err)
	}
	return nil
}

// RecordBackgroundTaskEvent persists one scheduler session transition.
func (r *ProfileQueryRepository) RecordBackgroundTaskEvent(ctx context.Context, ev models.BackgroundTaskEvent) error {
	query := `
		INSERT INTO background_task_events (session_id, event_type, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.Pool().Exec(ctx, query, ev.SessionID, string(ev.Type), ev.Date); err != nil {
		return fmt.Errorf("failed to record background task event: %w", err)
	}
	return nil
}

// SaveProfile stores the user profile; at most one row exists.
func (r *ProfileQueryRepository) SaveProfile(ctx context.Context, profile models.Profile) error {
	query := `
		INSERT INTO profiles (id, payload, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id)
		DO UPDATE SET payload = $1, updated_at = NOW()
	`
	if _, err := r.db.Pool().Exec(ctx, query, profile.Payload); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// FetchProfile returns the stored profile, or nil when none exists.
func (r *ProfileQueryRepository) FetchProfile(ctx context.Context) (*models.Profile, error) {
	query := `SELECT id, payload, updated_at FROM profiles WHERE id = 1`

	var p models.Profile
	err := r.db.Pool().QueryRow(ctx, query).Scan(&p.ID, &p.Payload, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return &p, nil
}

// DeleteProfileData removes the profile and everything derived from it.
// Called on local account removal.
func (r *ProfileQueryRepository) DeleteProfileData(ctx context.Context) error {
	statements := []string{
		`DELETE FROM opt_out_history`,
		`DELETE FROM opt_out_jobs`,
		`DELETE FROM scan_history`,
		`DELETE FROM job_schedule`,
		`DELETE FROM profile_queries`,
		`DELETE FROM profiles`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Pool().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to delete profile data: %w", err)
		}
	}
	return nil
}
