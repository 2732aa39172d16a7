package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/manager"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// InstanceView is the JSON form of an instance.
type InstanceView struct {
	Name      string    `json:"name"`
	DeviceID  string    `json:"deviceId"`
	Port      int       `json:"port"`
	Serial    string    `json:"serial"`
	State     string    `json:"state"`
	Sync      bool      `json:"syncFlag"`
	CreatedAt time.Time `json:"createdAt"`
	Template  string    `json:"template,omitempty"`
	AVDPath   string    `json:"avdPath,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

func viewOf(rec types.InstanceRecord) InstanceView {
	return InstanceView{
		Name:      rec.Name,
		DeviceID:  rec.DeviceID,
		Port:      rec.Port,
		Serial:    rec.Serial(),
		State:     rec.State.String(),
		Sync:      rec.Sync,
		CreatedAt: rec.CreatedAt,
		Template:  rec.Template,
		AVDPath:   rec.AVDPath,
		PID:       rec.PID,
	}
}

// TaskView is the JSON form of a background task.
type TaskView struct {
	ID       string        `json:"id"`
	Op       string        `json:"op"`
	Instance string        `json:"instance"`
	Phase    string        `json:"phase"`
	Percent  int           `json:"percent"`
	Done     bool          `json:"done"`
	Error    string        `json:"error,omitempty"`
	Result   *InstanceView `json:"result,omitempty"`
}

func taskView(t *manager.Task) TaskView {
	p := t.Progress()
	v := TaskView{ID: t.ID, Op: t.Op, Instance: t.Instance, Phase: p.Phase, Percent: p.Percent}
	rec, done, err := t.Result()
	v.Done = done
	if err != nil {
		v.Error = err.Error()
	} else if done {
		view := viewOf(rec)
		v.Result = &view
	}
	return v
}

type errorResponse struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Failed []string `json:"failed,omitempty"`
	// Set on partial delivery only.
	Event     string            `json:"event,omitempty"`
	Attempted int               `json:"attempted,omitempty"`
	Reasons   map[string]string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFleetError maps the error taxonomy onto HTTP statuses.
func writeFleetError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var fe *types.Error
	var partial *types.PartialDeliveryError
	switch {
	case errors.As(err, &partial):
		status = http.StatusMultiStatus
		resp.Kind = types.KindPartialDelivery.String()
		resp.Failed = partial.Instances()
		resp.Event = partial.Event
		resp.Attempted = partial.Attempted
		resp.Reasons = make(map[string]string, len(partial.Failures))
		for _, f := range partial.Failures {
			resp.Reasons[f.Instance] = f.Err.Error()
		}
	case errors.As(err, &fe):
		resp.Kind = fe.Kind.String()
		switch {
		case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrTemplateNotFound):
			status = http.StatusNotFound
		case errors.Is(err, types.ErrDuplicateName), errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrSyncRequiresRunning), errors.Is(err, types.ErrNotRunning):
			status = http.StatusConflict
		case fe.Kind == types.KindValidation:
			status = http.StatusBadRequest
		case errors.Is(err, types.ErrInsufficientSpace):
			status = http.StatusInsufficientStorage
		case fe.Kind == types.KindResource:
			status = http.StatusServiceUnavailable
		case fe.Kind == types.KindProcess:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "instances": len(s.fleet.List())})
}

func (s *Server) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	records := s.fleet.List()
	views := make([]InstanceView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

type createRequest struct {
	Template string `json:"template"`
	Name     string `json:"name"`
	Start    bool   `json:"start"`
}

func (s *Server) createInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}

	var task *manager.Task
	if req.Start {
		task = s.fleet.CloneAndStart(req.Template, req.Name)
	} else {
		task = s.fleet.CreateInstance(req.Template, req.Name)
	}
	writeJSON(w, http.StatusAccepted, taskView(task))
}

func (s *Server) getInstanceHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.fleet.Get(mux.Vars(r)["name"])
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type updateRequest struct {
	Name *string `json:"name,omitempty"`
	Sync *bool   `json:"syncFlag,omitempty"`
}

func (s *Server) updateInstanceHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.fleet.Update(name, req.Name, req.Sync)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) deleteInstanceHandler(w http.ResponseWriter, r *http.Request) {
	removeFiles, _ := strconv.ParseBool(r.URL.Query().Get("removeFiles"))
	if err := s.fleet.Delete(r.Context(), mux.Vars(r)["name"], removeFiles); err != nil {
		writeFleetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lifecycleHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	if _, err := s.fleet.Get(name); err != nil {
		writeFleetError(w, err)
		return
	}

	var task *manager.Task
	switch vars["action"] {
	case "start":
		task = s.fleet.StartInstance(name)
	case "stop":
		task = s.fleet.StopInstance(name)
	default:
		task = s.fleet.RestartInstance(name)
	}
	writeJSON(w, http.StatusAccepted, taskView(task))
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	out, err := s.fleet.Logs(mux.Vars(r)["name"], lines)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	task, ok := s.fleet.Task(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.fleet.Templates()
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

type syncStatus struct {
	Enabled bool     `json:"enabled"`
	Group   []string `json:"group"`
}

func (s *Server) currentSync() syncStatus {
	status := syncStatus{Enabled: s.fleet.SyncEnabled(), Group: []string{}}
	for _, t := range s.fleet.SyncGroup() {
		status.Group = append(status.Group, t.Name)
	}
	return status
}

func (s *Server) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSync())
}

func (s *Server) syncModeHandler(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["mode"] == "enable" {
		s.fleet.EnableSync()
	} else {
		s.fleet.DisableSync()
	}
	writeJSON(w, http.StatusOK, s.currentSync())
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	var req inputsync.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	event, err := req.Event()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.fleet.SyncEnabled() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "input sync is disabled, nothing dispatched"})
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.fleet.Submit(event, req.Source); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	if err := s.fleet.Dispatch(r.Context(), event, req.Source); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type transferRequest struct {
	APK       string   `json:"apk,omitempty"`
	Local     string   `json:"local,omitempty"`
	Remote    string   `json:"remote,omitempty"`
	Instances []string `json:"instances,omitempty"`
}

// transferHandler installs or pushes a file that is already on the daemon's
// host. Without instances the sync group is targeted.
func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	if mux.Vars(r)["op"] == "install" {
		if req.APK == "" {
			writeError(w, http.StatusBadRequest, "apk is required")
			return
		}
		err = s.fleet.Install(r.Context(), req.APK, req.Instances)
	} else {
		if req.Local == "" || req.Remote == "" {
			writeError(w, http.StatusBadRequest, "local and remote are required")
			return
		}
		err = s.fleet.Push(r.Context(), req.Local, req.Remote, req.Instances)
	}
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.fleet.History(r.URL.Query().Get("instance"), limit)
	if errors.Is(err, manager.ErrNoJournal) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
