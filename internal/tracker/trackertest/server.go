// Package trackertest provides an in-memory MLflow tracking server for tests.
package trackertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/thalesfsp/hotrain/internal/tracker"
)

// RunRecord is everything logged to one run.
type RunRecord struct {
	Info    tracker.RunInfo
	Tags    []tracker.Tag
	Params  []tracker.Param
	Metrics []tracker.Metric
}

// Param returns the value of the logged param key.
func (r *RunRecord) Param(key string) (string, bool) {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Value, true
		}
	}

	return "", false
}

// Steps returns the distinct metric steps in logging order.
func (r *RunRecord) Steps() []int {
	var steps []int

	seen := map[int]bool{}
	for _, m := range r.Metrics {
		if !seen[m.Step] {
			seen[m.Step] = true
			steps = append(steps, m.Step)
		}
	}

	return steps
}

// Server fakes the subset of the MLflow REST API used by package tracker.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	nextID      int
	experiments map[string]string
	runs        map[string]*RunRecord
	runOrder    []string
	artifacts   map[string][]byte
	versions    map[string][]tracker.ModelVersion

	// BeforeCreateExperiment, if set, runs before each experiments/create
	// call is served. Tests use it to simulate a concurrent creator.
	BeforeCreateExperiment func(name string)
}

// NewServer starts a server; it is closed with the test.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		experiments: map[string]string{},
		runs:        map[string]*RunRecord{},
		artifacts:   map[string][]byte{},
		versions:    map[string][]tracker.ModelVersion{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/2.0/mlflow/experiments/get-by-name", s.getExperiment)
	mux.HandleFunc("POST /api/2.0/mlflow/experiments/create", s.createExperiment)
	mux.HandleFunc("POST /api/2.0/mlflow/runs/create", s.createRun)
	mux.HandleFunc("POST /api/2.0/mlflow/runs/update", s.updateRun)
	mux.HandleFunc("POST /api/2.0/mlflow/runs/log-batch", s.logBatch)
	mux.HandleFunc("PUT /api/2.0/mlflow-artifacts/artifacts/{path...}", s.putArtifact)
	mux.HandleFunc("POST /api/2.0/mlflow/registered-models/create", s.createRegisteredModel)
	mux.HandleFunc("POST /api/2.0/mlflow/model-versions/create", s.createModelVersion)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// AddExperiment creates an experiment directly and returns its ID.
func (s *Server) AddExperiment(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addExperiment(name)
}

func (s *Server) addExperiment(name string) string {
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.experiments[name] = id

	return id
}

// Experiments returns the experiment IDs by name.
func (s *Server) Experiments() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.experiments))
	for k, v := range s.experiments {
		out[k] = v
	}

	return out
}

// Runs returns copies of the runs in creation order.
func (s *Server) Runs() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunRecord, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, *s.runs[id])
	}

	return out
}

// Artifact returns an uploaded artifact by its path under the proxy root.
func (s *Server) Artifact(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.artifacts[path]

	return data, ok
}

// ModelVersions returns the versions of a registered model.
func (s *Server) ModelVersions(name string) []tracker.ModelVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]tracker.ModelVersion(nil), s.versions[name]...)
}

//////
// Handlers.
//////

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": fmt.Sprintf(format, args...)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "%v", err)

		return false
	}

	return true
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("experiment_name")

	s.mu.Lock()
	id, ok := s.experiments[name]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Could not find experiment with name '%s'", name)

		return
	}

	writeJSON(w, http.StatusOK, map[string]tracker.Experiment{
		"experiment": {ID: id, Name: name, LifecycleStage: "active", ArtifactLocation: "mlflow-artifacts:/" + id},
	})
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}

	if s.BeforeCreateExperiment != nil {
		s.BeforeCreateExperiment(req.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[req.Name]; ok {
		writeError(w, http.StatusBadRequest, "RESOURCE_ALREADY_EXISTS", "Experiment '%s' already exists.", req.Name)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"experiment_id": s.addExperiment(req.Name)})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string        `json:"experiment_id"`
		RunName      string        `json:"run_name"`
		StartTime    int64         `json:"start_time"`
		Tags         []tracker.Tag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := fmt.Sprintf("run%04d", s.nextID)
	info := tracker.RunInfo{
		RunID:        id,
		ExperimentID: req.ExperimentID,
		RunName:      req.RunName,
		Status:       tracker.RunStatusRunning,
		StartTime:    req.StartTime,
		ArtifactURI:  fmt.Sprintf("mlflow-artifacts:/%s/%s/artifacts", req.ExperimentID, id),
	}
	s.runs[id] = &RunRecord{Info: info, Tags: req.Tags}
	s.runOrder = append(s.runOrder, id)

	writeJSON(w, http.StatusOK, map[string]any{"run": map[string]any{"info": info}})
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string            `json:"run_id"`
		Status  tracker.RunStatus `json:"status"`
		EndTime int64             `json:"end_time"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[req.RunID]
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run '%s' not found", req.RunID)

		return
	}

	run.Info.Status = req.Status
	run.Info.EndTime = req.EndTime

	writeJSON(w, http.StatusOK, map[string]any{"run_info": run.Info})
}

func (s *Server) logBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string           `json:"run_id"`
		Params  []tracker.Param  `json:"params"`
		Metrics []tracker.Metric `json:"metrics"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[req.RunID]
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run '%s' not found", req.RunID)

		return
	}

	run.Params = append(run.Params, req.Params...)
	run.Metrics = append(run.Metrics, req.Metrics...)

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) putArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", "%v", err)

		return
	}

	s.mu.Lock()
	s.artifacts[r.PathValue("path")] = data
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) createRegisteredModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[req.Name]; ok {
		writeError(w, http.StatusBadRequest, "RESOURCE_ALREADY_EXISTS", "Registered Model (name=%s) already exists.", req.Name)

		return
	}

	s.versions[req.Name] = []tracker.ModelVersion{}

	writeJSON(w, http.StatusOK, map[string]any{"registered_model": map[string]string{"name": req.Name}})
}

func (s *Server) createModelVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		RunID  string `json:"run_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.versions[req.Name]
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Registered Model with name=%s not found", req.Name)

		return
	}

	version := tracker.ModelVersion{
		Name:    req.Name,
		Version: strconv.Itoa(len(versions) + 1),
		Source:  req.Source,
		RunID:   req.RunID,
		Status:  "READY",
	}
	s.versions[req.Name] = append(versions, version)

	writeJSON(w, http.StatusOK, map[string]any{"model_version": version})
}
