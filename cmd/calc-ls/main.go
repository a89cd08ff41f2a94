package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"calcvm/calc"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	_ "github.com/tliron/commonlog/simple"
)

const lsName = "calc-ls"

var (
	version string = "0.0.1"
	handler protocol.Handler
	log     = commonlog.GetLogger(lsName)

	documentsMutex sync.RWMutex
	documents      = make(map[string]string)

	// analyzerOptions comes from the nearest calc.toml at startup.
	analyzerOptions calc.AnalyzerOptions
)

func main() {
	commonlog.Configure(1, nil)

	if cfg, err := calc.FindAndLoadConfig("."); err != nil {
		log.Warningf("ignoring calc.toml: %v", err)
	} else if cfg != nil {
		analyzerOptions = cfg.AnalyzerOptions()
	}

	handler = protocol.Handler{
		Initialize:             initialize,
		Initialized:            initialized,
		Shutdown:               shutdown,
		SetTrace:               setTrace,
		TextDocumentDidOpen:    textDocumentDidOpen,
		TextDocumentDidChange:  textDocumentDidChange,
		TextDocumentDidClose:   textDocumentDidClose,
		TextDocumentCompletion: textDocumentCompletion,
		TextDocumentHover:      textDocumentHover,
	}

	s := server.NewServer(&handler, lsName, false)
	s.RunStdio()
}

func initialize(context *glsp.Context, params *protocol.InitializeParams) (any, error) {
	capabilities := handler.CreateServerCapabilities()
	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &[]bool{true}[0],
		Change:    &syncKind,
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lsName,
			Version: &version,
		},
	}, nil
}

func initialized(context *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func shutdown(context *glsp.Context) error {
	return nil
}

func setTrace(context *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func textDocumentDidOpen(context *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	documentsMutex.Lock()
	defer documentsMutex.Unlock()
	documents[params.TextDocument.URI] = params.TextDocument.Text
	go publishDiagnostics(context, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

func textDocumentDidChange(context *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	if len(params.ContentChanges) == 0 {
		return nil
	}
	change, ok := params.ContentChanges[len(params.ContentChanges)-1].(protocol.TextDocumentContentChangeEventWhole)
	if !ok {
		return nil
	}

	documentsMutex.Lock()
	documents[params.TextDocument.URI] = change.Text
	documentsMutex.Unlock()

	go publishDiagnostics(context, params.TextDocument.URI, change.Text)
	return nil
}

func textDocumentDidClose(context *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	documentsMutex.Lock()
	defer documentsMutex.Unlock()
	delete(documents, params.TextDocument.URI)
	return nil
}

func document(uri string) (string, bool) {
	documentsMutex.RLock()
	defer documentsMutex.RUnlock()
	content, ok := documents[uri]
	return content, ok
}

func textDocumentCompletion(context *glsp.Context, params *protocol.CompletionParams) (any, error) {
	items := []protocol.CompletionItem{}
	seen := make(map[string]bool)
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] {
			return
		}
		seen[label] = true
		items = append(items, protocol.CompletionItem{Label: label, Kind: &kind, Detail: &detail})
	}

	for name := range calc.BuiltinFunctions {
		add(name, protocol.CompletionItemKindFunction, calc.BuiltinDocs[name])
	}
	for _, kw := range calc.KeywordConsts {
		add(kw, protocol.CompletionItemKindKeyword, "keyword")
	}

	if content, ok := document(params.TextDocument.URI); ok {
		if parseRes := calc.Parse(params.TextDocument.URI, content); parseRes.IsOk() {
			if analyzer, err := calc.Analyze(parseRes.Value, analyzerOptions); err == nil {
				var names []string
				for _, t := range analyzer.Tables() {
					names = append(names, t.Locals.Names()...)
					names = append(names, t.Cells.Names()...)
					names = append(names, t.Globals.Names()...)
				}
				sort.Strings(names)
				for _, n := range names {
					add(n, protocol.CompletionItemKindVariable, "variable")
				}
			}
		}
	}

	return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
}

func textDocumentHover(context *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	content, ok := document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	parseRes := calc.Parse(params.TextDocument.URI, content)
	if parseRes.IsErr() {
		return nil, nil
	}
	analyzer, err := calc.Analyze(parseRes.Value, analyzerOptions)
	if err != nil {
		return nil, nil
	}

	line := int(params.Position.Line)
	col := runeColumn(lineText(content, line), int(params.Position.Character))
	ref, table, ok := analyzer.BindingAt(parseRes.Value, line+1, col+1)
	if !ok {
		return nil, nil
	}

	class := table.Classify(ref.Name)
	text := fmt.Sprintf("`%s`: %s in %s", ref.Name, class, table.Name)
	if owner, ok := table.FreeOwner(ref.Name); ok {
		if ownerTable, err := analyzer.Table(owner); err == nil {
			text += fmt.Sprintf(" (captured from %s)", ownerTable.Name)
		}
	}
	rng := lspRangeFromLoc(content, ref.Token.Loc)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: text},
		Range:    &rng,
	}, nil
}

func publishDiagnostics(context *glsp.Context, uri string, content string) {
	diagnostics := []protocol.Diagnostic{}
	severity := protocol.DiagnosticSeverityError

	if _, err := calc.CompileSource(uri, content, analyzerOptions); err != nil {
		source := lsName
		rng := protocol.Range{}
		if located, ok := err.(calc.Error); ok {
			rng = lspRangeFromLoc(content, located.GetLocation())
		} else {
			log.Errorf("internal error for %s: %+v", uri, err)
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    rng,
			Severity: &severity,
			Source:   &source,
			Message:  err.Error(),
		})
	}

	context.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// lspRangeFromLoc converts a rune-based location to LSP positions, which
// count UTF-16 code units from the start of the line.
func lspRangeFromLoc(content string, loc calc.Loc) protocol.Range {
	line := max(loc.Line-1, 0)
	text := lineText(content, line)
	startCol := max(loc.Col-1, 0)
	width := 1
	if loc.Start >= 0 && loc.End <= len(content) && loc.End > loc.Start {
		width = max(utf8.RuneCountInString(content[loc.Start:loc.End]), 1)
	}

	return protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(utf16Column(text, startCol))},
		End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(utf16Column(text, startCol+width))},
	}
}

func lineText(content string, line int) string {
	for i := 0; i < line; i++ {
		_, rest, ok := strings.Cut(content, "\n")
		if !ok {
			return ""
		}
		content = rest
	}
	text, _, _ := strings.Cut(content, "\n")
	return text
}

// utf16Column converts a 0-based rune column on text to UTF-16 code units.
// Columns past the end of the line count one unit each.
func utf16Column(text string, col int) int {
	units := 0
	for _, r := range text {
		if col == 0 {
			break
		}
		units += utf16.RuneLen(r)
		col--
	}
	return units + col
}

// runeColumn converts a UTF-16 offset on text back to a 0-based rune
// column. An offset inside a surrogate pair maps to that rune.
func runeColumn(text string, units int) int {
	col := 0
	for _, r := range text {
		n := utf16.RuneLen(r)
		if units < n {
			return col
		}
		units -= n
		col++
	}
	return col + units
}
