package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nrayfield/dispatchd/internal/workitem"
)

func TestFunc_AdaptsToBackend(t *testing.T) {
	var called bool
	var b Backend = Func(func(ctx context.Context, req any) (any, error) {
		called = true
		return "ok", nil
	})

	reply, err := b.Do(context.Background(), "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected underlying func to be called")
	}
	if reply != "ok" {
		t.Errorf("reply = %v, want ok", reply)
	}
}

func TestDefaultChecker_Classify(t *testing.T) {
	c := NewDefaultChecker()

	if o := c.Classify("reply", nil); o.Kind != workitem.KindSuccess {
		t.Errorf("expected success, got %v", o.Kind)
	}
	if o := c.Classify(nil, nil); o.Kind != workitem.KindUnrecognized {
		t.Errorf("expected unrecognized for nil reply, got %v", o.Kind)
	}
	if o := c.Classify(nil, errors.New("boom")); o.Kind != workitem.KindApplicationFailure || !o.Retryable {
		t.Errorf("expected retryable application failure, got %+v", o)
	}
	if o := c.Classify(nil, Fatal(errors.New("boom"))); o.Kind != workitem.KindApplicationFailure || o.Retryable {
		t.Errorf("expected non-retryable application failure for fatal error, got %+v", o)
	}
}

func TestHTTPBackend_RejectsWrongRequestType(t *testing.T) {
	b := NewHTTPBackend(nil)
	_, err := b.Do(context.Background(), "not an HTTPRequest")
	if err == nil || !isFatal(err) {
		t.Fatalf("expected fatal error for wrong request type, got %v", err)
	}
}

func TestHTTPBackend_SuccessAndFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.Client())

	reply, err := b.Do(context.Background(), HTTPRequest{URL: srv.URL + "/ok", Body: map[string]string{"a": "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := reply.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("unexpected reply: %#v", reply)
	}

	_, err = b.Do(context.Background(), HTTPRequest{URL: srv.URL + "/fail", Body: nil})
	if err == nil || !isFatal(err) {
		t.Fatalf("expected fatal error for 4xx, got %v", err)
	}
}
