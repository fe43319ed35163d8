package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	ho "github.com/thalesfsp/hotrain"
)

type trialRow struct {
	ID       int64           `db:"trial_id"`
	StudyID  int64           `db:"study_id"`
	State    string          `db:"state"`
	Value    sql.NullFloat64 `db:"value"`
	Start    int64           `db:"datetime_start"`
	Complete sql.NullInt64   `db:"datetime_complete"`
}

type paramRow struct {
	TrialID      int64   `db:"trial_id"`
	Name         string  `db:"param_name"`
	Value        float64 `db:"param_value"`
	Distribution string  `db:"distribution_json"`
}

type intermediateRow struct {
	TrialID int64   `db:"trial_id"`
	Step    int     `db:"step"`
	Value   float64 `db:"value"`
}

//////
// Studies.
//////

// CreateStudy implements ho.Storage. Concurrent callers racing on the same
// name all get the ID of the single row that wins the insert.
func (s *SQLStorage) CreateStudy(ctx context.Context, name string, direction ho.StudyDirection) (int64, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO studies (study_name, direction, created_at) VALUES (?, ?, ?)
		ON CONFLICT (study_name) DO NOTHING`),
		name, string(direction), time.Now().UnixMicro())
	if err != nil {
		return 0, errors.Wrapf(err, "create study %q", name)
	}

	return s.GetStudyIDByName(ctx, name)
}

// GetStudyIDByName implements ho.Storage.
func (s *SQLStorage) GetStudyIDByName(ctx context.Context, name string) (int64, error) {
	var id int64

	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT study_id FROM studies WHERE study_name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(ho.ErrStudyNotFound, "study %q", name)
	}

	return id, errors.Wrapf(err, "get study %q", name)
}

// GetStudyDirection implements ho.Storage.
func (s *SQLStorage) GetStudyDirection(ctx context.Context, studyID int64) (ho.StudyDirection, error) {
	var direction string

	err := s.db.GetContext(ctx, &direction, s.db.Rebind(`SELECT direction FROM studies WHERE study_id = ?`), studyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ho.ErrStudyNotFound, "study id %d", studyID)
	}

	return ho.StudyDirection(direction), errors.Wrapf(err, "get direction of study %d", studyID)
}

//////
// Trials.
//////

// CreateTrial implements ho.Storage.
func (s *SQLStorage) CreateTrial(ctx context.Context, studyID int64) (ho.FrozenTrial, error) {
	if _, err := s.GetStudyDirection(ctx, studyID); err != nil {
		return ho.FrozenTrial{}, err
	}

	start := time.Now()

	var id int64

	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO trials (study_id, state, datetime_start) VALUES (?, ?, ?) RETURNING trial_id`),
		studyID, string(ho.TrialRunning), start.UnixMicro()).Scan(&id)
	if err != nil {
		return ho.FrozenTrial{}, errors.Wrapf(err, "create trial in study %d", studyID)
	}

	number, err := s.trialNumber(ctx, studyID, id)
	if err != nil {
		return ho.FrozenTrial{}, err
	}

	return ho.FrozenTrial{
		ID:                 id,
		Number:             number,
		State:              ho.TrialRunning,
		Params:             ho.Params{},
		Distributions:      map[string]ho.Distribution{},
		IntermediateValues: map[int]float64{},
		DatetimeStart:      time.UnixMicro(start.UnixMicro()),
	}, nil
}

// trialNumber derives a trial number from the IDs created before it, so
// concurrent creators never need to coordinate on a counter.
func (s *SQLStorage) trialNumber(ctx context.Context, studyID, trialID int64) (int, error) {
	var n int

	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM trials WHERE study_id = ? AND trial_id < ?`), studyID, trialID)

	return n, errors.Wrapf(err, "number trial %d", trialID)
}

// checkRunning returns an error unless the trial exists and is RUNNING.
func (s *SQLStorage) checkRunning(ctx context.Context, trialID int64) error {
	var state string

	err := s.db.GetContext(ctx, &state, s.db.Rebind(`SELECT state FROM trials WHERE trial_id = ?`), trialID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ho.ErrTrialNotFound, "trial id %d", trialID)
	}

	if err != nil {
		return errors.Wrapf(err, "get trial %d", trialID)
	}

	if ho.TrialState(state).IsFinished() {
		return errors.Errorf("trial id %d is already %s", trialID, state)
	}

	return nil
}

// SetTrialParam implements ho.Storage.
func (s *SQLStorage) SetTrialParam(ctx context.Context, trialID int64, name string, value float64, dist ho.Distribution) error {
	if err := s.checkRunning(ctx, trialID); err != nil {
		return err
	}

	encoded, err := ho.MarshalDistribution(dist)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO trial_params (trial_id, param_name, param_value, distribution_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (trial_id, param_name) DO UPDATE SET param_value = excluded.param_value, distribution_json = excluded.distribution_json`),
		trialID, name, value, string(encoded))

	return errors.Wrapf(err, "set param %q of trial %d", name, trialID)
}

// SetTrialIntermediateValue implements ho.Storage.
func (s *SQLStorage) SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error {
	if err := s.checkRunning(ctx, trialID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO trial_intermediate_values (trial_id, step, value) VALUES (?, ?, ?)
		ON CONFLICT (trial_id, step) DO UPDATE SET value = excluded.value`),
		trialID, step, value)

	return errors.Wrapf(err, "report step %d of trial %d", step, trialID)
}

// FinishTrial implements ho.Storage.
func (s *SQLStorage) FinishTrial(ctx context.Context, trialID int64, state ho.TrialState, value *float64) error {
	var stored sql.NullFloat64
	if value != nil {
		stored = sql.NullFloat64{Float64: *value, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE trials SET state = ?, value = ?, datetime_complete = ? WHERE trial_id = ? AND state = ?`),
		string(state), stored, time.Now().UnixMicro(), trialID, string(ho.TrialRunning))
	if err != nil {
		return errors.Wrapf(err, "finish trial %d", trialID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "finish trial %d", trialID)
	}

	if n == 0 {
		// Either missing or already finished; checkRunning tells which.
		if err := s.checkRunning(ctx, trialID); err != nil {
			return err
		}

		return errors.Errorf("trial id %d changed state concurrently", trialID)
	}

	return nil
}

// GetTrial implements ho.Storage.
func (s *SQLStorage) GetTrial(ctx context.Context, trialID int64) (ho.FrozenTrial, error) {
	var row trialRow

	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM trials WHERE trial_id = ?`), trialID)
	if errors.Is(err, sql.ErrNoRows) {
		return ho.FrozenTrial{}, errors.Wrapf(ho.ErrTrialNotFound, "trial id %d", trialID)
	}

	if err != nil {
		return ho.FrozenTrial{}, errors.Wrapf(err, "get trial %d", trialID)
	}

	number, err := s.trialNumber(ctx, row.StudyID, row.ID)
	if err != nil {
		return ho.FrozenTrial{}, err
	}

	trial := row.frozen(number)

	var params []paramRow
	if err := s.db.SelectContext(ctx, &params, s.db.Rebind(
		`SELECT * FROM trial_params WHERE trial_id = ?`), trialID); err != nil {
		return ho.FrozenTrial{}, errors.Wrapf(err, "get params of trial %d", trialID)
	}

	var values []intermediateRow
	if err := s.db.SelectContext(ctx, &values, s.db.Rebind(
		`SELECT * FROM trial_intermediate_values WHERE trial_id = ?`), trialID); err != nil {
		return ho.FrozenTrial{}, errors.Wrapf(err, "get intermediate values of trial %d", trialID)
	}

	byID := map[int64]*ho.FrozenTrial{trial.ID: &trial}
	if err := attach(byID, params, values); err != nil {
		return ho.FrozenTrial{}, err
	}

	return trial, nil
}

// GetAllTrials implements ho.Storage.
func (s *SQLStorage) GetAllTrials(ctx context.Context, studyID int64, states ...ho.TrialState) ([]ho.FrozenTrial, error) {
	if _, err := s.GetStudyDirection(ctx, studyID); err != nil {
		return nil, err
	}

	var rows []trialRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT * FROM trials WHERE study_id = ? ORDER BY trial_id`), studyID); err != nil {
		return nil, errors.Wrapf(err, "list trials of study %d", studyID)
	}

	var params []paramRow
	if err := s.db.SelectContext(ctx, &params, s.db.Rebind(
		`SELECT p.trial_id, p.param_name, p.param_value, p.distribution_json
		FROM trial_params p JOIN trials t ON t.trial_id = p.trial_id
		WHERE t.study_id = ?`), studyID); err != nil {
		return nil, errors.Wrapf(err, "list params of study %d", studyID)
	}

	var values []intermediateRow
	if err := s.db.SelectContext(ctx, &values, s.db.Rebind(
		`SELECT v.trial_id, v.step, v.value
		FROM trial_intermediate_values v JOIN trials t ON t.trial_id = v.trial_id
		WHERE t.study_id = ?`), studyID); err != nil {
		return nil, errors.Wrapf(err, "list intermediate values of study %d", studyID)
	}

	// Numbers are positions among all trials, so they are assigned before
	// filtering by state.
	all := make([]ho.FrozenTrial, len(rows))
	byID := make(map[int64]*ho.FrozenTrial, len(rows))

	for i, row := range rows {
		all[i] = row.frozen(i)
		byID[row.ID] = &all[i]
	}

	if err := attach(byID, params, values); err != nil {
		return nil, err
	}

	out := make([]ho.FrozenTrial, 0, len(all))
	for _, trial := range all {
		if len(states) == 0 || containsState(states, trial.State) {
			out = append(out, trial)
		}
	}

	return out, nil
}

func (r trialRow) frozen(number int) ho.FrozenTrial {
	trial := ho.FrozenTrial{
		ID:                 r.ID,
		Number:             number,
		State:              ho.TrialState(r.State),
		Params:             ho.Params{},
		Distributions:      map[string]ho.Distribution{},
		IntermediateValues: map[int]float64{},
		DatetimeStart:      time.UnixMicro(r.Start),
	}

	if r.Value.Valid {
		v := r.Value.Float64
		trial.Value = &v
	}

	if r.Complete.Valid {
		t := time.UnixMicro(r.Complete.Int64)
		trial.DatetimeComplete = &t
	}

	return trial
}

// attach distributes parameter and intermediate-value rows onto their trials.
func attach(byID map[int64]*ho.FrozenTrial, params []paramRow, values []intermediateRow) error {
	for _, p := range params {
		trial, ok := byID[p.TrialID]
		if !ok {
			continue
		}

		dist, err := ho.UnmarshalDistribution([]byte(p.Distribution))
		if err != nil {
			return errors.Wrapf(err, "decode distribution of %q in trial %d", p.Name, p.TrialID)
		}

		trial.Params[p.Name] = p.Value
		trial.Distributions[p.Name] = dist
	}

	for _, v := range values {
		if trial, ok := byID[v.TrialID]; ok {
			trial.IntermediateValues[v.Step] = v.Value
		}
	}

	return nil
}

func containsState(states []ho.TrialState, state ho.TrialState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}

	return false
}
