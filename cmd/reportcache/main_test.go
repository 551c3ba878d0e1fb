package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("REPORTCACHE_BACKEND", "sqlite")
	t.Setenv("REPORTCACHE_DB_PATH", filepath.Join(t.TempDir(), "reportcache.db"))
	t.Setenv("REPORTCACHE_LOG_LEVEL", "error")
}

// TestHelperProducer is not a real test. It acts as a report producer when
// run as a subprocess by the compute command.
func TestHelperProducer(t *testing.T) {
	if os.Getenv("REPORTCACHE_HELPER_PRODUCER") != "1" {
		return
	}
	var params map[string]any
	data, _ := io.ReadAll(os.Stdin)
	_ = json.Unmarshal(data, &params)
	fmt.Printf(`{"usage":{"bytes_scanned":1099511627776,"queries":3},"sections":[`+
		`{"name":"summary","type":"narrative_summary","payload":"Lending in %v grew."},`+
		`{"name":"by_lender","type":"data_table","category":"lenders","payload":[{"lender":"A","loans":3}]}]}`,
		params["county"])
	os.Exit(0)
}

func producerArgs() []string {
	return []string{"--", os.Args[0], "-test.run=TestHelperProducer"}
}

func TestFingerprintCmd(t *testing.T) {
	t.Setenv("REPORTCACHE_LOG_LEVEL", "error")
	out, err := run(t, "fingerprint", "app=LendSight", "year=2023", "county=Baltimore", "--explain")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "App:         lendsight") {
		t.Errorf("app not normalized: %s", out)
	}
	if !strings.Contains(out, `"county":["baltimore"]`) {
		t.Errorf("canonical encoding missing: %s", out)
	}

	again, err := run(t, "fingerprint", "--params", `{"year":2023,"County":"BALTIMORE","app":"lendsight"}`)
	if err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(out, "\n", 2)[0]
	if !strings.HasPrefix(again, first) {
		t.Errorf("equivalent parameters gave different fingerprints:\n%s\n%s", out, again)
	}
}

func TestFingerprintCmdInvalid(t *testing.T) {
	t.Setenv("REPORTCACHE_LOG_LEVEL", "error")
	if _, err := run(t, "fingerprint", "year=2023"); err == nil {
		t.Error("expected error without app")
	}
	if _, err := run(t, "fingerprint", "novalue"); err == nil {
		t.Error("expected error for malformed argument")
	}
}

func TestComputeCmd(t *testing.T) {
	useSQLite(t)
	t.Setenv("REPORTCACHE_HELPER_PRODUCER", "1")

	args := append([]string{"compute", "--meta", "app=lendsight", "year=2023", "county=Baltimore"}, producerArgs()...)

	var results []computeResult
	for i := 0; i < 2; i++ {
		out, err := run(t, args...)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		var res struct {
			computeResult
			Sections map[string]json.RawMessage `json:"sections"`
		}
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatalf("run %d: decode %q: %v", i, out, err)
		}
		if string(res.Sections["summary"]) != `"Lending in Baltimore grew."` {
			t.Errorf("run %d: summary = %s", i, res.Sections["summary"])
		}
		results = append(results, res.computeResult)
	}

	if results[0].CacheHit || !results[0].Cached {
		t.Errorf("first run = %+v, want a cached miss", results[0])
	}
	if !results[1].CacheHit {
		t.Error("second run should be a cache hit")
	}
	if results[0].ResultID != results[1].ResultID {
		t.Errorf("result ids differ: %s vs %s", results[0].ResultID, results[1].ResultID)
	}

	out, err := run(t, "ledger", "stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "lendsight") || !strings.Contains(out, "50.0%") {
		t.Errorf("unexpected ledger stats: %s", out)
	}

	out, err = run(t, "sections", "show", results[0].ResultID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Index(out, "summary") > strings.Index(out, "by_lender") {
		t.Errorf("sections out of order: %s", out)
	}

	out, err = run(t, "cache", "stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Entries:  1") {
		t.Errorf("unexpected cache stats: %s", out)
	}

	out, err = run(t, "cache", "invalidate", "--app", "lendsight")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Invalidated 1 cache entry.") {
		t.Errorf("unexpected invalidate output: %s", out)
	}
}

func TestComputeCmdRequiresProducer(t *testing.T) {
	t.Setenv("REPORTCACHE_BACKEND", "memory")
	if _, err := run(t, "compute", "app=lendsight", "year=2023"); err == nil {
		t.Error("expected error without a producer")
	}
}

func TestCacheInvalidateRequiresFilter(t *testing.T) {
	t.Setenv("REPORTCACHE_BACKEND", "memory")
	_, err := run(t, "cache", "invalidate")
	if err == nil || !strings.Contains(err.Error(), "--all") {
		t.Errorf("err = %v, want refusal without --all", err)
	}
}

func TestLedgerSearchFlags(t *testing.T) {
	t.Setenv("REPORTCACHE_BACKEND", "memory")
	if _, err := run(t, "ledger", "search", "--hits", "--misses"); err == nil {
		t.Error("expected error for --hits with --misses")
	}
	if _, err := run(t, "ledger", "search", "--since", "yesterday"); err == nil {
		t.Error("expected error for malformed --since")
	}
	out, err := run(t, "ledger", "search")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No usage records found.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestParseParamsRepeatedKey(t *testing.T) {
	p, err := parseParams([]string{"app=lendsight", "county=a", "county=b", "county=c"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	list, ok := p["county"].([]any)
	if !ok || len(list) != 3 {
		t.Errorf("county = %#v, want three values", p["county"])
	}
}
