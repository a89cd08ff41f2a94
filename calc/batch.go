package calc

import (
	"context"
	"os"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

// BatchSource is one module handed to CompileSources.
type BatchSource struct {
	Name   string
	Source string
}

type BatchResult struct {
	Name string
	Code *Code
	Err  error
}

type BatchOptions struct {
	Analyzer AnalyzerOptions
	// Workers limits concurrent module compilations. Zero or less means one
	// worker per module.
	Workers int
}

// CompileSources compiles independent modules in parallel. A module that
// fails to compile records its error in its result; the returned error is
// only set when ctx is cancelled. Results keep the input order.
func CompileSources(ctx context.Context, sources []BatchSource, opts BatchOptions) ([]BatchResult, error) {
	log := commonlog.GetLogger("calc.batch")
	results := make([]BatchResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			code, err := CompileSource(src.Name, src.Source, opts.Analyzer)
			results[i] = BatchResult{Name: src.Name, Code: code, Err: err}
			if err != nil {
				log.Debugf("compile %s: %v", src.Name, err)
			} else {
				log.Debugf("compiled %s", src.Name)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CompileFiles reads and compiles each file. Read failures are reported in
// the file's result.
func CompileFiles(ctx context.Context, files []string, opts BatchOptions) ([]BatchResult, error) {
	sources := make([]BatchSource, 0, len(files))
	readErrs := make(map[int]error)
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			readErrs[i] = err
		}
		sources = append(sources, BatchSource{Name: f, Source: string(data)})
	}

	results, err := CompileSources(ctx, sources, opts)
	if err != nil {
		return nil, err
	}
	for i, rerr := range readErrs {
		results[i] = BatchResult{Name: files[i], Err: rerr}
	}
	return results, nil
}
