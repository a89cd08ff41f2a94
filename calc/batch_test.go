package calc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestCompileSources(t *testing.T) {
	var sources []BatchSource
	for i := 0; i < 20; i++ {
		sources = append(sources, BatchSource{
			Name:   fmt.Sprintf("m%d.calc", i),
			Source: fmt.Sprintf("x = %d; f = (a) => return a + x; end;", i),
		})
	}
	sources[7].Source = "x = ;"

	results, err := CompileSources(context.Background(), sources, BatchOptions{Workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(sources) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Name != sources[i].Name {
			t.Errorf("result %d is %s, want %s", i, r.Name, sources[i].Name)
		}
		if i == 7 {
			var calcErr *CalcError
			if !errors.As(r.Err, &calcErr) || calcErr.Type != ErrorParser {
				t.Errorf("m7 err = %v, want parser error", r.Err)
			}
			continue
		}
		if r.Err != nil || r.Code == nil {
			t.Errorf("%s: err=%v code=%v", r.Name, r.Err, r.Code)
			continue
		}
		if r.Code.Constants[0] != (NumberObj{Value: int64(i)}) {
			t.Errorf("%s: first constant %v", r.Name, r.Code.Constants[0])
		}
	}
}

func TestCompileSourcesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CompileSources(ctx, []BatchSource{{Name: "a.calc", Source: "a = 1;"}}, BatchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCompileFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.calc")
	if err := os.WriteFile(good, []byte("a = 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.calc")

	results, err := CompileFiles(context.Background(), []string{good, missing}, BatchOptions{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil || results[0].Code == nil {
		t.Errorf("good: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, os.ErrNotExist) {
		t.Errorf("missing: err = %v", results[1].Err)
	}
}
