package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"calcvm/calc"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var (
	configPath  = flag.String("config", "", "path to calc.toml (default: nearest one above the working directory)")
	disassemble = flag.Bool("dis", false, "print the disassembly instead of running")
	output      = flag.String("o", "", "write the compiled module to this file")
	dumpAST     = flag.Bool("ast", false, "print the syntax tree as JSON")
	dumpScopes  = flag.Bool("scopes", false, "print the symbol tables")
	verbose     = flag.Int("v", -1, "log verbosity (overrides calc.toml)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: calc [flags] file.calc|file.calcc ...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}

	verbosity := cfg.Log.Verbosity
	if *verbose >= 0 {
		verbosity = *verbose
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(verbosity, logFile)

	files := flag.Args()
	if len(files) == 0 {
		for _, src := range cfg.Build.Sources {
			files = append(files, filepath.Join(cfg.Dir, src))
		}
	}

	switch len(files) {
	case 0:
		flag.Usage()
		os.Exit(2)
	case 1:
		os.Exit(runFile(cfg, files[0]))
	default:
		os.Exit(buildFiles(cfg, files))
	}
}

func loadConfig() (*calc.Config, error) {
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg, err := calc.ParseConfig(data)
		if err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", *configPath, err)
		}
		cfg.Dir = filepath.Dir(*configPath)
		return cfg, nil
	}

	cfg, err := calc.FindAndLoadConfig(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = calc.DefaultConfig()
		cfg.Dir = "."
	}
	return cfg, nil
}

func runFile(cfg *calc.Config, path string) int {
	opts := cfg.AnalyzerOptions()
	var code *calc.Code
	var source string

	if strings.HasSuffix(path, calc.CompiledExt) {
		data, err := os.ReadFile(path)
		if err != nil {
			fail(err)
		}
		if code, err = calc.UnmarshalCode(data); err != nil {
			fail(err)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading file: %s\n", err)
			return 1
		}
		source = string(data)

		parseRes := calc.Parse(path, source)
		if parseRes.IsErr() {
			return report(parseRes.Err, source)
		}
		if *dumpAST {
			out, err := json.MarshalIndent(parseRes.Value, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Println(string(out))
			return 0
		}

		analyzer, err := calc.Analyze(parseRes.Value, opts)
		if err != nil {
			return report(err, source)
		}
		if *dumpScopes {
			for _, t := range analyzer.Tables() {
				fmt.Println(t)
			}
			return 0
		}

		if code, err = calc.Compile(parseRes.Value, analyzer, path); err != nil {
			return report(err, source)
		}
	}

	if *disassemble {
		fmt.Print(calc.Disassemble(code))
		return 0
	}
	if *output != "" {
		if err := writeCode(*output, code); err != nil {
			fail(err)
		}
		return 0
	}

	vm := calc.NewVM()
	vm.MaxDepth = cfg.Compiler.MaxDepth
	vm.Loader = calc.NewFileLoader(filepath.Dir(path), opts)
	if err := vm.LoadBuiltins(); err != nil {
		fail(err)
	}
	if _, err := vm.Run(code); err != nil {
		return report(err, source)
	}
	return 0
}

func buildFiles(cfg *calc.Config, files []string) int {
	results, err := calc.CompileFiles(context.Background(), files, calc.BatchOptions{
		Analyzer: cfg.AnalyzerOptions(),
		Workers:  cfg.Build.Workers,
	})
	if err != nil {
		fail(err)
	}

	status := 0
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintln(os.Stderr, res.Err)
			status = 1
			continue
		}
		base := strings.TrimSuffix(filepath.Base(res.Name), calc.SourceExt)
		out := filepath.Join(cfg.Build.OutputDir, base+calc.CompiledExt)
		if err := writeCode(out, res.Code); err != nil {
			fmt.Fprintln(os.Stderr, err)
			status = 1
			continue
		}
		fmt.Printf("%s -> %s\n", res.Name, out)
	}
	return status
}

func writeCode(path string, code *calc.Code) error {
	data, err := calc.MarshalCode(code)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type sourceShower interface {
	ShowSource(source string) string
}

func report(err error, source string) int {
	if s, ok := err.(sourceShower); ok && source != "" {
		fmt.Fprintln(os.Stderr, s.ShowSource(source))
	} else if calc.IsInternal(err) {
		fmt.Fprintf(os.Stderr, "internal compiler error: %+v\n", err)
	} else {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	return 1
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
