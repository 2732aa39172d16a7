package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

func setupTestDaemon(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, WithToken("secret-token"))
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestInstancesAndUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, []map[string]any{{"name": "dev1", "port": 5554, "serial": "emulator-5554", "state": "Running", "syncFlag": true}})
	})
	var patched map[string]any
	mux.HandleFunc("PATCH /api/instances/dev1", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&patched)
		reply(w, http.StatusOK, map[string]any{"name": "primary", "state": "Running"})
	})
	c := setupTestDaemon(t, mux)

	list, err := c.Instances(context.Background())
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(list) != 1 || list[0].Serial != "emulator-5554" || !list[0].Sync {
		t.Errorf("instances = %+v", list)
	}

	name := "primary"
	inst, err := c.Update(context.Background(), "dev1", &name, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if inst.Name != "primary" || patched["name"] != "primary" {
		t.Errorf("update sent %v, got %+v", patched, inst)
	}
	if _, ok := patched["syncFlag"]; ok {
		t.Error("unset sync flag was sent")
	}
}

func TestErrorsAreDecoded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances/missing", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, map[string]any{"error": "instance not found", "kind": "ValidationError"})
	})
	mux.HandleFunc("POST /api/sync/dispatch", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusMultiStatus, map[string]any{
			"error": "partial", "kind": "PartialDeliveryError", "failed": []string{"B"},
			"event": "tap", "attempted": 2, "reasons": map[string]string{"B": "device offline"},
		})
	})
	c := setupTestDaemon(t, mux)

	_, err := c.Instance(context.Background(), "missing")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "instance not found" {
		t.Errorf("expected a 404 Error, got %v", err)
	}

	err = c.Dispatch(context.Background(), inputsync.Request{Type: "tap", X: 1, Y: 2})
	var partial *types.PartialDeliveryError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialDeliveryError, got %v", err)
	}
	if partial.Event != "tap" || partial.Attempted != 2 || partial.Failures[0].Err.Error() != "device offline" {
		t.Errorf("partial = %+v", partial)
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		task := map[string]any{"id": "t1", "phase": "copying", "percent": 40}
		if n >= 3 {
			task["done"] = true
			task["phase"] = "done"
			task["result"] = map[string]any{"name": "dev1", "state": "Created"}
		}
		reply(w, http.StatusOK, task)
	})
	mux.HandleFunc("GET /api/tasks/t2", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"id": "t2", "done": true, "error": "template not found"})
	})
	c := setupTestDaemon(t, mux)

	var phases []string
	task, err := c.WaitTask(context.Background(), "t1", 5*time.Millisecond, func(t Task) { phases = append(phases, t.Phase) })
	if err != nil {
		t.Fatalf("WaitTask: %v", err)
	}
	if task.Result == nil || task.Result.Name != "dev1" || len(phases) != 3 {
		t.Errorf("task %+v after phases %v", task, phases)
	}

	if _, err := c.WaitTask(context.Background(), "t2", 5*time.Millisecond, nil); err == nil || err.Error() != "template not found" {
		t.Errorf("expected the task error, got %v", err)
	}
}

func TestLogsReturnsText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances/dev1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lines") != "20" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("boot completed\n"))
	})
	c := setupTestDaemon(t, mux)

	out, err := c.Logs(context.Background(), "dev1", 20)
	if err != nil || out != "boot completed\n" {
		t.Errorf("Logs = %q, %v", out, err)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	c := setupTestDaemon(t, http.NewServeMux())
	c.token = ""
	var apiErr *Error
	if err := c.Health(context.Background()); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
