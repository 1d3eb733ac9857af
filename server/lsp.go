package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "acorn-lsp"

// RunCommand is the workspace command that assembles a document and runs
// its entry code. Arguments: the document URI, then an optional entry name.
const RunCommand = "acorn.run"

// DefaultRunStepLimit bounds the instructions a single RunCommand may
// execute, so a looping document cannot hold the worker.
const DefaultRunStepLimit = 10_000_000

// documents holds the full text of every open document, keyed by URI.
type documents struct {
	mu   sync.RWMutex
	text map[protocol.DocumentUri]string
}

func (d *documents) put(uri protocol.DocumentUri, text string) {
	d.mu.Lock()
	d.text[uri] = text
	d.mu.Unlock()
}

func (d *documents) drop(uri protocol.DocumentUri) {
	d.mu.Lock()
	delete(d.text, uri)
	d.mu.Unlock()
}

func (d *documents) get(uri protocol.DocumentUri) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	text, ok := d.text[uri]
	return text, ok
}

// wordAt returns the document text and the word under pos. ok is false
// when the document is not open or pos is not on a word.
func (d *documents) wordAt(uri protocol.DocumentUri, pos protocol.Position) (text, word string, ok bool) {
	text, ok = d.get(uri)
	if !ok {
		return "", "", false
	}
	word = extractWord(text, pos)
	return text, word, word != ""
}

// LspServer provides editor features for Acorn assembly files.
type LspServer struct {
	worker   *VMWorker
	profiler *vm.Profiler // reset and read on the worker only
	vmOpts   []vm.Option
	log    commonlog.Logger
	docs   documents

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. Programs started with RunCommand
// execute on a worker with the given VM options.
func NewLSP(opts ...vm.Option) *LspServer {
	profiler := vm.NewProfiler(DefaultRunStepLimit)
	opts = append(append([]vm.Option(nil), opts...), vm.WithHook(profiler))
	s := &LspServer{
		worker:   NewVMWorker(vm.New(&vm.Program{}, opts...)),
		profiler: profiler,
		vmOpts:   opts,
		log:     commonlog.GetLogger("acorn.lsp"),
		docs:    documents{text: make(map[protocol.DocumentUri]string)},
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize: s.initialize,
		Shutdown:   s.shutdown,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion:     s.textDocumentCompletion,
		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentReferences:     s.textDocumentReferences,
		TextDocumentDocumentSymbol: s.textDocumentDocumentSymbol,

		WorkspaceExecuteCommand: s.workspaceExecuteCommand,
	}
	s.server = glspserver.NewServer(&s.handler, lspName, false)
	return s
}

// SetStepLimit changes the per-run instruction budget. Zero removes it.
func (s *LspServer) SetStepLimit(n uint64) error {
	return s.worker.Do(context.Background(), func(*vm.VM) error {
		s.profiler.StepLimit = n
		return nil
	})
}

// Run serves on stdio until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- Lifecycle ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.log.Info("initializing")

	caps := s.handler.CreateServerCapabilities()
	full := protocol.TextDocumentSyncKindFull
	caps.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &full,
	}
	// "." starts a directive at the beginning of a line and a type
	// suffix after a mnemonic.
	caps.CompletionProvider = &protocol.CompletionOptions{TriggerCharacters: []string{"."}}
	caps.HoverProvider = true
	caps.DefinitionProvider = true
	caps.ReferencesProvider = true
	caps.DocumentSymbolProvider = true
	caps.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{Commands: []string{RunCommand}}

	return protocol.InitializeResult{
		Capabilities: caps,
		ServerInfo:   &protocol.InitializeResultServerInfo{Name: lspName, Version: &s.version},
	}, nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.docs.put(params.TextDocument.URI, params.TextDocument.Text)
	s.publishDiagnostics(ctx, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	// Full sync: only the last change matters.
	n := len(params.ContentChanges)
	if n == 0 {
		return nil
	}
	if whole, ok := params.ContentChanges[n-1].(protocol.TextDocumentContentChangeEventWhole); ok {
		s.docs.put(params.TextDocument.URI, whole.Text)
		s.publishDiagnostics(ctx, params.TextDocument.URI, whole.Text)
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	s.docs.drop(params.TextDocument.URI)
	s.publishDiagnostics(ctx, params.TextDocument.URI, "")
	return nil
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.docs.get(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	if prefix := extractPrefix(text, params.Position); prefix != "" {
		return complete(text, prefix), nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, word, ok := s.docs.wordAt(params.TextDocument.URI, params.Position)
	if !ok {
		return nil, nil
	}
	return hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, word, ok := s.docs.wordAt(uri, params.Position)
	if !ok {
		return nil, nil
	}
	if locs := definition(uri, text, word, int(params.Position.Line)+1); len(locs) > 0 {
		return locs, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, word, ok := s.docs.wordAt(uri, params.Position)
	if !ok {
		return nil, nil
	}
	return references(uri, text, word), nil
}

func (s *LspServer) textDocumentDocumentSymbol(ctx *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	text, ok := s.docs.get(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return symbols(text), nil
}

func (s *LspServer) workspaceExecuteCommand(ctx *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	if params.Command != RunCommand {
		return nil, fmt.Errorf("unknown command %q", params.Command)
	}
	if len(params.Arguments) == 0 {
		return nil, fmt.Errorf("%s: document URI required", RunCommand)
	}
	uri, _ := params.Arguments[0].(string)
	text, ok := s.docs.get(protocol.DocumentUri(uri))
	if !ok {
		return nil, fmt.Errorf("%s: document %q is not open", RunCommand, uri)
	}
	entry := "main"
	if len(params.Arguments) > 1 {
		if name, ok := params.Arguments[1].(string); ok && name != "" {
			entry = name
		}
	}
	return s.run(text, entry)
}

// run assembles text into a fresh VM on the worker and runs entry.
func (s *LspServer) run(text, entry string) (string, error) {
	p, err := asm.Assemble(text)
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if err := s.worker.Replace(ctx, vm.New(p, s.vmOpts...)); err != nil {
		return "", err
	}
	var summary string
	if err := s.worker.Do(ctx, func(v *vm.VM) error {
		s.profiler.Reset()
		val, ok, err := v.RunNamed(entry, 0)
		switch {
		case err != nil:
			return err
		case ok:
			summary = entry + " returned " + val.String()
		default:
			summary = entry + " exited without a value"
		}
		return nil
	}); err != nil {
		s.log.Infof("run %s: %v", entry, err)
		return "", err
	}
	return summary, nil
}

// --- Document analysis ---

func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if !strings.HasPrefix(strings.ToLower(label), lowerPrefix) {
			return
		}
		labelCopy := label
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &labelCopy,
		})
	}

	if strings.HasPrefix(prefix, ".") {
		for _, d := range asm.Directives {
			add(d, protocol.CompletionItemKindKeyword, "directive")
		}
		return items
	}

	// Mnemonics
	ops := vm.Opcodes()
	names := make([]string, 0, len(ops))
	docs := make(map[string]string, len(ops))
	for _, op := range ops {
		info, _ := op.Info()
		names = append(names, info.Name)
		docs[info.Name] = info.Doc
	}
	sort.Strings(names)
	for _, name := range names {
		add(name, protocol.CompletionItemKindOperator, docs[name])
	}

	// Code objects and labels defined in this document
	for _, sym := range asm.Outline(text) {
		if sym.Kind == asm.SymbolCode {
			add(sym.Name, protocol.CompletionItemKindFunction, fmt.Sprintf("code (%d args)", sym.ArgCount))
		} else {
			add(sym.Name, protocol.CompletionItemKindReference, "label in "+sym.Code)
		}
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func hover(text, word string) *protocol.Hover {
	var b strings.Builder

	if op, ok := vm.LookupOpcode(word); ok {
		info, _ := op.Info()
		fmt.Fprintf(&b, "**%s** (%s, opcode 0x%02X)\n\n%s", info.Name, info.Category, byte(op), info.Doc)
		return markdown(b.String())
	}

	for _, sym := range asm.Outline(text) {
		if sym.Name != word {
			continue
		}
		if sym.Kind == asm.SymbolLabel {
			fmt.Fprintf(&b, "**%s:** label in `%s`, line %d", sym.Name, sym.Code, sym.Line)
			return markdown(b.String())
		}
		fmt.Fprintf(&b, "**%s** code object, %d arguments", sym.Name, sym.ArgCount)
		// Show the assembled listing when the document is clean.
		if p, err := asm.Assemble(text); err == nil {
			if c, ok := p.LookupCode(sym.Name); ok {
				fmt.Fprintf(&b, "\n\n```\n%s```", asm.DisassembleCode(p, c))
			}
		}
		return markdown(b.String())
	}

	if t, ok := vm.DataTypeForSuffix(word); ok {
		fmt.Fprintf(&b, "type suffix **.%s**: %s", word, t)
		return markdown(b.String())
	}
	return nil
}

func definition(uri protocol.DocumentUri, text, word string, line int) []protocol.Location {
	syms := asm.Outline(text)

	// Prefer a label in the code object enclosing the cursor.
	enclosing := ""
	for _, sym := range syms {
		if sym.Line > line {
			break
		}
		if sym.Kind == asm.SymbolCode {
			enclosing = sym.Name
		}
	}

	var locs []protocol.Location
	for _, sym := range syms {
		if sym.Name != word {
			continue
		}
		if sym.Kind == asm.SymbolLabel && sym.Code != enclosing {
			continue
		}
		locs = append(locs, lineLocation(uri, text, sym.Line))
	}
	return locs
}

func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locs []protocol.Location
	for i, line := range strings.Split(text, "\n") {
		if j := strings.IndexByte(line, ';'); j >= 0 {
			line = line[:j]
		}
		for _, f := range strings.Fields(line) {
			if strings.TrimSuffix(f, ":") == word {
				locs = append(locs, lineLocation(uri, text, i+1))
				break
			}
		}
	}
	return locs
}

// symbols outlines a document: one symbol per code object, with its
// labels as children.
func symbols(text string) []protocol.DocumentSymbol {
	lines := strings.Split(text, "\n")
	span := func(from, to int) protocol.Range {
		return protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(from - 1)},
			End:   protocol.Position{Line: protocol.UInteger(to - 1), Character: protocol.UInteger(len(lines[to-1]))},
		}
	}

	out := []protocol.DocumentSymbol{}
	prev := 0 // header line of the previous code object
	for _, sym := range asm.Outline(text) {
		switch {
		case sym.Kind == asm.SymbolCode:
			detail := fmt.Sprintf("%d args", sym.ArgCount)
			out = append(out, protocol.DocumentSymbol{
				Name:           sym.Name,
				Detail:         &detail,
				Kind:           protocol.SymbolKindFunction,
				Range:          span(sym.Line, len(lines)),
				SelectionRange: span(sym.Line, sym.Line),
			})
			if n := len(out); n > 1 {
				out[n-2].Range = span(prev, sym.Line-1)
			}
			prev = sym.Line
		case len(out) > 0:
			parent := &out[len(out)-1]
			parent.Children = append(parent.Children, protocol.DocumentSymbol{
				Name:           sym.Name,
				Kind:           protocol.SymbolKindKey,
				Range:          span(sym.Line, sym.Line),
				SelectionRange: span(sym.Line, sym.Line),
			})
		}
	}
	return out
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := diagnose(text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func diagnose(text string) []protocol.Diagnostic {
	_, err := asm.Assemble(text)
	if err == nil {
		return []protocol.Diagnostic{}
	}

	var list asm.ErrorList
	if !errors.As(err, &list) {
		list = asm.ErrorList{{Line: 1, Msg: err.Error()}}
	}

	lines := strings.Split(text, "\n")
	severity := protocol.DiagnosticSeverityError
	source := lspName
	diagnostics := make([]protocol.Diagnostic, 0, len(list))
	for _, e := range list {
		n := e.Line - 1
		width := 0
		if n >= 0 && n < len(lines) {
			width = len(strings.TrimRight(lines[n], "\r"))
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: protocol.UInteger(max(n, 0)), Character: 0},
				End:   protocol.Position{Line: protocol.UInteger(max(n, 0)), Character: protocol.UInteger(width)},
			},
			Severity: &severity,
			Source:   &source,
			Message:  e.Msg,
		})
	}
	return diagnostics
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '$'
}

// extractPrefix returns the word fragment before the cursor for completion.
// A leading '.' is kept so directives can be completed.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	if start > 0 && line[start-1] == '.' && strings.TrimSpace(line[:start-1]) == "" {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor. Mnemonic type
// suffixes are separate words: "add" and "i" in "add.i.i".
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}

	// Find end
	end := col
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func lineLocation(uri protocol.DocumentUri, text string, line int) protocol.Location {
	n := line - 1
	width := 0
	if lines := strings.Split(text, "\n"); n >= 0 && n < len(lines) {
		width = len(lines[n])
	}
	return protocol.Location{
		URI: uri,
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(n), Character: 0},
			End:   protocol.Position{Line: protocol.UInteger(n), Character: protocol.UInteger(width)},
		},
	}
}

func markdown(s string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: s,
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}
