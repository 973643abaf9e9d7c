package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/management"
	"github.com/finvest/sagaflow/saga"
)

type testOp struct {
	name    string
	fail    bool
	compErr error
}

func (o *testOp) Name() string { return o.name }

func (o *testOp) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	if o.fail {
		return sagaflow.Failure(o.name+" declined", nil), nil
	}
	return sagaflow.Success(o.name+" done", nil), nil
}

func (o *testOp) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	return o.compErr
}

type fixture struct {
	coord   *saga.Coordinator
	handler *Handler
	// failing makes every plan's last step fail; brokenComp makes compensation fail.
	failing    bool
	brokenComp bool
}

func (f *fixture) plan() saga.Plan {
	var compErr error
	if f.brokenComp {
		compErr = errors.New("ledger unavailable")
	}
	return saga.Plan{
		Name: "transfer",
		Operations: []sagaflow.Operation{
			&testOp{name: "reserve", compErr: compErr},
			&testOp{name: "charge", fail: f.failing},
		},
		Metadata: saga.Metadata{
			PaymentID: "pay-" + faker.Lorem().Characters(8),
			UserID:    faker.Internet().UserName(),
			Amount:    sagaflow.Rupees(2500),
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.coord = saga.NewCoordinator(saga.WithStore(saga.NewMemoryStore()), saga.WithPersistAttempts(1, 0))
	m := management.NewManager(f.coord).WithBuilder("transfer", management.BuilderFunc(func(exec *saga.Execution) (saga.Plan, error) {
		p := f.plan()
		p.Metadata = exec.Metadata
		return p, nil
	}))
	f.handler = New(m, WithSweeper(management.NewSweeper(m, management.WithRate(1000, 10))))
	return f
}

func (f *fixture) run(t *testing.T, failing, brokenComp bool) *saga.Execution {
	t.Helper()
	f.failing, f.brokenComp = failing, brokenComp
	defer func() { f.failing, f.brokenComp = false, false }()
	exec, _ := f.coord.Run(context.Background(), f.plan())
	return exec
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(DefaultAdminHeader, "ops@finvest")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHandlerRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, Prefix, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	m := management.NewManager(f.coord)
	h := New(m, WithAuthorizer(AuthorizerFunc(func(r *http.Request) (string, error) {
		return "", ErrForbidden
	})))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, Prefix, nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandlerListAndDetail(t *testing.T) {
	f := newFixture(t)
	done := f.run(t, false, false)
	failed := f.run(t, true, false)

	t.Run("GET /admin/sagas lists all", func(t *testing.T) {
		w := f.do(t, http.MethodGet, Prefix, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decode[listResponse](t, w)
		if resp.Count != 2 {
			t.Errorf("expected 2 sagas, got %d", resp.Count)
		}
	})

	t.Run("GET /admin/sagas filters by status", func(t *testing.T) {
		w := f.do(t, http.MethodGet, Prefix+"?status=compensated", "")
		resp := decode[listResponse](t, w)
		if resp.Count != 1 || resp.Sagas[0].ID != failed.ID {
			t.Errorf("expected only %s, got %+v", failed.ID, resp.Sagas)
		}
	})

	t.Run("GET /admin/sagas rejects unknown status", func(t *testing.T) {
		w := f.do(t, http.MethodGet, Prefix+"?status=exploded", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("GET /admin/sagas/{id} returns timeline", func(t *testing.T) {
		w := f.do(t, http.MethodGet, Prefix+"/"+failed.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decode[detail](t, w)
		var types []saga.EventType
		for _, e := range resp.Timeline {
			types = append(types, e.Type)
		}
		want := []saga.EventType{
			saga.EventStarted,
			saga.EventStepCompleted,
			saga.EventStepFailed,
			saga.EventCompensationStarted,
			saga.EventStepCompensated,
			saga.EventCompensated,
		}
		if diff := cmp.Diff(want, types); diff != "" {
			t.Errorf("timeline mismatch (-want +got):\n%s", diff)
		}
		if resp.FailureKind != sagaflow.FailureOperation {
			t.Errorf("expected operation_failure, got %s", resp.FailureKind)
		}
	})

	t.Run("GET /admin/sagas/{id} unknown", func(t *testing.T) {
		if w := f.do(t, http.MethodGet, Prefix+"/missing", ""); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("GET /admin/sagas/stats", func(t *testing.T) {
		resp := decode[management.Stats](t, f.do(t, http.MethodGet, Prefix+"/stats", ""))
		want := map[saga.Status]int64{saga.StatusCompleted: 1, saga.StatusCompensated: 1}
		if resp.Total != 2 || !cmp.Equal(want, resp.ByStatus) {
			t.Errorf("unexpected stats: %+v", resp)
		}
	})

	t.Run("GET /admin/sagas/{id}/payment", func(t *testing.T) {
		resp := decode[management.Payment](t, f.do(t, http.MethodGet, Prefix+"/"+done.ID+"/payment", ""))
		if resp.ID != done.Metadata.PaymentID || resp.Amount != sagaflow.Rupees(2500) {
			t.Errorf("unexpected payment: %+v", resp)
		}
	})

	t.Run("POST /admin/sagas/{id} returns 405", func(t *testing.T) {
		if w := f.do(t, http.MethodPost, Prefix+"/"+done.ID, ""); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", w.Code)
		}
	})
}

func TestHandlerRetry(t *testing.T) {
	f := newFixture(t)
	failed := f.run(t, true, false)

	w := f.do(t, http.MethodPost, Prefix+"/"+failed.ID+"/retry", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[detail](t, w)
	if resp.ID == failed.ID || resp.RetryOf != failed.ID || resp.Status != saga.StatusCompleted {
		t.Errorf("unexpected retry: id=%s retry_of=%s status=%s", resp.ID, resp.RetryOf, resp.Status)
	}

	if w := f.do(t, http.MethodPost, Prefix+"/"+failed.ID+"/retry", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second retry, got %d", w.Code)
	}
}

func TestHandlerForceCompensateAndResolve(t *testing.T) {
	f := newFixture(t)
	stuck := f.run(t, true, true)
	if stuck.Status != saga.StatusCompensationFailed {
		t.Fatalf("expected compensation_failed, got %s", stuck.Status)
	}

	t.Run("attention queue", func(t *testing.T) {
		resp := decode[listResponse](t, f.do(t, http.MethodGet, Prefix+"?needs_attention=true", ""))
		if resp.Count != 1 || resp.Sagas[0].ID != stuck.ID {
			t.Errorf("expected %s in the queue, got %+v", stuck.ID, resp.Sagas)
		}
	})

	t.Run("force compensate", func(t *testing.T) {
		w := f.do(t, http.MethodPost, Prefix+"/"+stuck.ID+"/force-compensate", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decode[detail](t, w)
		if resp.Status != saga.StatusCompensated || resp.CompensationAttempts != 2 {
			t.Errorf("expected compensated on attempt 2, got %s/%d", resp.Status, resp.CompensationAttempts)
		}
		last := resp.Timeline[len(resp.Timeline)-1]
		if last.Actor != "ops@finvest" {
			t.Errorf("expected admin recorded as actor, got %q", last.Actor)
		}
	})

	t.Run("resolve requires notes", func(t *testing.T) {
		other := f.run(t, true, true)
		w := f.do(t, http.MethodPost, Prefix+"/"+other.ID+"/resolve", `{"action_taken":"refunded"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}

		w = f.do(t, http.MethodPost, Prefix+"/"+other.ID+"/resolve",
			`{"action_taken":"refunded","resolution_notes":"manual reversal in ledger"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		resp := decode[detail](t, w)
		if resp.Status != saga.StatusManuallyResolved || resp.ResolvedBy != "ops@finvest" {
			t.Errorf("unexpected resolution: %s by %q", resp.Status, resp.ResolvedBy)
		}
	})

	t.Run("resolve compensated saga conflicts", func(t *testing.T) {
		w := f.do(t, http.MethodPost, Prefix+"/"+stuck.ID+"/resolve",
			`{"action_taken":"none","resolution_notes":"already compensated"}`)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		w := f.do(t, http.MethodPost, Prefix+"/"+stuck.ID+"/resolve", `{`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandlerRecoveryRun(t *testing.T) {
	f := newFixture(t)
	f.run(t, true, true)

	w := f.do(t, http.MethodPost, Prefix+"/recovery/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode[management.Report](t, w)
	if report.Compensated != 1 {
		t.Errorf("expected the stuck saga compensated, got %+v", report)
	}

	h := New(management.NewManager(f.coord))
	req := httptest.NewRequest(http.MethodPost, Prefix+"/recovery/run", nil)
	req.Header.Set(DefaultAdminHeader, "ops@finvest")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 without a sweeper, got %d", w.Code)
	}
}
