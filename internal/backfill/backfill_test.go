package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/decode"
	"github.com/mehmetymw/fhirsink/internal/types"
)

type fakePublisher struct {
	keys      []string
	envelopes [][]byte
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, key string, envelope []byte) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func fhirServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/fhir+json" {
			t.Errorf("accept header %q", r.Header.Get("Accept"))
		}
		body, ok := pages[r.URL.Path+"?"+r.URL.RawQuery]
		if !ok {
			http.Error(w, "not found: "+r.URL.String(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func crawler(t *testing.T, base string, pub Publisher, logger *zap.Logger, kinds ...string) *Crawler {
	t.Helper()
	c, err := New(config.BackfillConfig{
		FHIRBase:      base + "/",
		ResourceTypes: kinds,
		PageSize:      2,
		RatePerSecond: 1000,
		TimeoutMs:     5000,
	}, pub, logger)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPatientFollowsNextLinksAndPublishesSupportedResources(t *testing.T) {
	var srv *httptest.Server
	pages := map[string]string{}
	srv = fhirServer(t, pages)
	pages["/Patient/p1/$everything?_count=2"] = fmt.Sprintf(`{
		"resourceType": "Bundle",
		"link": [{"relation": "self", "url": "x"}, {"relation": "next", "url": "%s/page2?token=abc"}],
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}},
			{"resource": {"resourceType": "Observation", "id": "o1", "status": "final"}},
			{"resource": {"resourceType": "Group", "id": "g1"}}
		]
	}`, srv.URL)
	pages["/page2?token=abc"] = `{
		"resourceType": "Bundle",
		"entry": [
			{"resource": {"resourceType": "Encounter", "id": "e1"}},
			{"resource": {"resourceType": "Condition"}},
			{}
		]
	}`

	pub := &fakePublisher{}
	n, err := crawler(t, srv.URL, pub, zap.NewNop()).Patient(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("published %d", n)
	}
	want := []string{"Patient/p1", "Observation/o1", "Encounter/e1"}
	if fmt.Sprint(pub.keys) != fmt.Sprint(want) {
		t.Fatalf("keys %v", pub.keys)
	}

	ev, err := decode.Decode(types.Delivery{Data: pub.envelopes[1]})
	if err != nil {
		t.Fatalf("published envelope does not decode: %v", err)
	}
	if ev.Op != types.OpCreate || ev.Resource.ResourceID() != "o1" {
		t.Fatalf("event %+v", ev)
	}
}

func TestObservationOnlyUsesSearch(t *testing.T) {
	srv := fhirServer(t, map[string]string{
		"/Observation?_count=2&subject=Patient%2Fp9": `{"resourceType":"Bundle","entry":[
			{"resource":{"resourceType":"Observation","id":"o1"}},
			{"resource":{"resourceType":"Patient","id":"p9"}}
		]}`,
	})
	pub := &fakePublisher{}
	n, err := crawler(t, srv.URL, pub, zap.NewNop(), "Observation").Patient(context.Background(), "p9")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || pub.keys[0] != "Observation/o1" {
		t.Fatalf("published %v", pub.keys)
	}
}

func TestProgressLoggedEveryTenResources(t *testing.T) {
	entries := make([]map[string]any, 25)
	for i := range entries {
		entries[i] = map[string]any{"resource": map[string]any{"resourceType": "Observation", "id": fmt.Sprint("o", i)}}
	}
	body, _ := json.Marshal(map[string]any{"resourceType": "Bundle", "entry": entries})
	srv := fhirServer(t, map[string]string{"/Patient/p1/$everything?_count=2": string(body)})

	core, logs := observer.New(zap.InfoLevel)
	if _, err := crawler(t, srv.URL, &fakePublisher{}, zap.New(core)).Patient(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if got := logs.FilterMessage("Backfill progress").Len(); got != 2 {
		t.Fatalf("progress logs %d", got)
	}
	if logs.FilterMessage("Backfill complete").Len() != 1 {
		t.Fatal("missing completion log")
	}
}

func TestFailuresStopTheCrawl(t *testing.T) {
	srv := fhirServer(t, map[string]string{
		"/Patient/p1/$everything?_count=2": `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"p1"}}]}`,
	})

	if _, err := crawler(t, srv.URL, &fakePublisher{}, zap.NewNop()).Patient(context.Background(), "missing"); err == nil {
		t.Fatal("expected HTTP error")
	}

	boom := errors.New("broker down")
	err := crawler(t, srv.URL, &fakePublisher{err: boom}, zap.NewNop()).Run(context.Background(), []string{"p1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestNewRejectsUnknownResourceType(t *testing.T) {
	_, err := New(config.BackfillConfig{FHIRBase: "http://fhir", ResourceTypes: []string{"Group"}}, &fakePublisher{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error")
	}
}
