package locate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestRemoteInferrer_OrdersByRank(t *testing.T) {
	var got inferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"device":"cpu","results":[{"path":"/p.jpg","predictions":[
			{"rank":2,"latitude":1,"longitude":2,"probability":0.2,"city":"B"},
			{"rank":1,"latitude":3,"longitude":4,"probability":0.7,"city":"A","country":"X"}
		],"warnings":[],"error":null}]}`))
	}))
	defer srv.Close()

	ri := RemoteInferrer{BaseURL: srv.URL + "/", TopK: 3, Client: srv.Client()}
	cands, err := ri.Infer(context.Background(), "/p.jpg")
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Path != "/p.jpg" || got.TopK != 3 {
		t.Fatalf("request=%+v", got)
	}
	if len(cands) != 2 || cands[0].City != "A" || cands[0].Probability != 0.7 || cands[1].City != "B" {
		t.Fatalf("cands=%+v", cands)
	}
}

func TestRemoteInferrer_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		},
		"result error": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"results":[{"path":"/p.jpg","predictions":[],"error":"file not found"}]}`))
		},
		"empty": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"results":[]}`))
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		srv := httptest.NewServer(h)
		_, err := RemoteInferrer{BaseURL: srv.URL}.Infer(context.Background(), "/p.jpg")
		srv.Close()
		if !errors.Is(err, ErrInference) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
}
