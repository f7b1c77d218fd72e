package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/wafguard/api"
)

func blockedRecord(ip string, ruleID, status int) *api.AuditRecord {
	return &api.AuditRecord{
		Timestamp:    time.Now(),
		Client:       api.Endpoint{IP: ip, Port: 5555},
		Matches:      []api.RuleMatch{{RuleID: ruleID, Phase: api.PhaseRequestHeaders, Disruptive: true}},
		Intervention: &api.Intervention{Status: status, Disruptive: true, RuleID: ruleID},
	}
}

func TestJSONLStore_WriteAndQuery(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	record := blockedRecord("10.0.0.1", 1001, 403)
	if err := store.Write(ctx, record); err != nil {
		t.Fatal(err)
	}
	if record.ID == "" {
		t.Error("expected an ID to be assigned")
	}

	results, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Client.IP != "10.0.0.1" {
		t.Errorf("expected client 10.0.0.1, got %s", results[0].Client.IP)
	}
}

func TestJSONLStore_QueryFilter(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	records := []*api.AuditRecord{
		blockedRecord("10.0.0.1", 1001, 403),
		blockedRecord("10.0.0.2", 1002, 413),
		{Timestamp: time.Now(), Client: api.Endpoint{IP: "10.0.0.1"}, Matches: []api.RuleMatch{{RuleID: 1003, Log: true}}},
	}
	for _, r := range records {
		if err := store.Write(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter api.QueryFilter
		want   int
	}{
		{"all", api.QueryFilter{}, 3},
		{"intervened", api.QueryFilter{Intervened: true}, 2},
		{"by client", api.QueryFilter{ClientIP: "10.0.0.1"}, 2},
		{"by rule", api.QueryFilter{RuleID: 1003}, 1},
		{"limit", api.QueryFilter{Limit: 2}, 2},
		{"offset", api.QueryFilter{Offset: 2}, 1},
		{"offset past end", api.QueryFilter{Offset: 5}, 0},
		{"future since", api.QueryFilter{Since: time.Now().Add(time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != tt.want {
				t.Errorf("expected %d results, got %d", tt.want, len(results))
			}
		})
	}
}

func TestJSONLStore_Stats(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	records := []*api.AuditRecord{
		blockedRecord("10.0.0.1", 1001, 403),
		blockedRecord("10.0.0.1", 1001, 403),
		blockedRecord("10.0.0.2", 1002, 413),
		{Timestamp: time.Now(), Client: api.Endpoint{IP: "10.0.0.3"}},
	}
	for _, r := range records {
		if err := store.Write(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 4 {
		t.Errorf("expected 4 total, got %d", stats.TotalRecords)
	}
	if stats.Interventions != 3 {
		t.Errorf("expected 3 interventions, got %d", stats.Interventions)
	}
	if stats.ByRule[1001] != 2 {
		t.Errorf("expected 2 matches of rule 1001, got %d", stats.ByRule[1001])
	}
	if stats.ByStatus[413] != 1 {
		t.Errorf("expected one 413, got %d", stats.ByStatus[413])
	}
	if stats.ByClient["10.0.0.1"] != 2 {
		t.Errorf("expected 2 records for 10.0.0.1, got %d", stats.ByClient["10.0.0.1"])
	}
}

func TestJSONLStore_MemoryBound(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if err := store.Write(ctx, blockedRecord(ip, 1, 403)); err != nil {
			t.Fatal(err)
		}
	}
	results, _ := store.Query(ctx, api.QueryFilter{})
	if len(results) != 2 || results[0].Client.IP != "10.0.0.2" {
		t.Errorf("expected the two newest records, got %d starting with %+v", len(results), results[0].Client)
	}
}

func TestJSONLStore_FileCreation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	record := &api.AuditRecord{Timestamp: now}
	if err := store.Write(context.Background(), record); err != nil {
		t.Fatal(err)
	}
	store.Close()

	expectedFile := filepath.Join(dir, "audit-"+now.Format("2006-01-02")+".jsonl")
	if _, err := os.Stat(expectedFile); os.IsNotExist(err) {
		t.Errorf("expected audit log file %s to exist", expectedFile)
	}
}

func TestJSONLStore_Subscribe(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ch, cancel := store.Subscribe(context.Background())
	defer cancel()

	go func() {
		store.Write(context.Background(), blockedRecord("192.0.2.1", 7, 403))
	}()

	select {
	case r := <-ch:
		if r.Client.IP != "192.0.2.1" {
			t.Errorf("expected client 192.0.2.1, got %s", r.Client.IP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription event")
	}
}

func TestJSONLStore_MemoryBoundWraps(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		if err := store.Write(ctx, blockedRecord("10.0.0.1", i, 403)); err != nil {
			t.Fatal(err)
		}
	}

	results, _ := store.Query(ctx, api.QueryFilter{})
	if len(results) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(results))
	}
	for i, want := range []int{6, 7, 8} {
		if got := results[i].Matches[0].RuleID; got != want {
			t.Errorf("record %d: expected rule %d, got %d", i, want, got)
		}
	}

	page, _ := store.Query(ctx, api.QueryFilter{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].Matches[0].RuleID != 7 {
		t.Errorf("expected rule 7 on the second page, got %+v", page)
	}
}

func TestJSONLStore_SubscribeEndsWithContext(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx, stop := context.WithCancel(context.Background())
	ch, cancel := store.Subscribe(ctx)
	defer cancel()
	stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no record after the context ended")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after the context ended")
	}

	// Writing after the subscriber left must not block or panic.
	if err := store.Write(context.Background(), blockedRecord("10.0.0.1", 1, 403)); err != nil {
		t.Fatal(err)
	}
}

func TestJSONLStore_CloseEndsSubscriptions(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel := store.Subscribe(context.Background())
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed")
	}

	late, _ := store.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Error("expected a subscription on a closed store to be closed")
	}
}
