package calc

import (
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// ScopeID is a handle into the analyzer's table arena.
type ScopeID int

const NoScope ScopeID = -1

type ScopeKind int

const (
	ScopeModule ScopeKind = iota
	ScopeFunction
)

func (k ScopeKind) String() string {
	return [...]string{"module", "function"}[k]
}

// BindingClass says how a name resolves within one scope.
type BindingClass int

const (
	BindingUndefined BindingClass = iota
	BindingLocal
	BindingGlobal
	BindingFree
	BindingCell
)

var bindingClassNames = [...]string{
	BindingUndefined: "undefined",
	BindingLocal:     "local",
	BindingGlobal:    "global",
	BindingFree:      "free",
	BindingCell:      "cell",
}

func (c BindingClass) String() string {
	if int(c) < len(bindingClassNames) {
		return bindingClassNames[c]
	}
	return fmt.Sprintf("BindingClass(%d)", int(c))
}

// NameSet is a set of identifiers that remembers insertion order. Order is
// significant where it becomes slot numbering.
type NameSet struct {
	names []string
	index map[string]int
}

func NewNameSet(names ...string) *NameSet {
	s := &NameSet{}
	for _, n := range names {
		s.Add(n)
	}
	return s
}

func (s *NameSet) Add(name string) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[name]; ok {
		return false
	}
	s.index[name] = len(s.names)
	s.names = append(s.names, name)
	return true
}

func (s *NameSet) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *NameSet) Remove(name string) bool {
	i, ok := s.index[name]
	if !ok {
		return false
	}
	s.names = append(s.names[:i], s.names[i+1:]...)
	delete(s.index, name)
	for j := i; j < len(s.names); j++ {
		s.index[s.names[j]] = j
	}
	return true
}

// Index returns the position of name, or -1.
func (s *NameSet) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

func (s *NameSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *NameSet) Len() int {
	return len(s.names)
}

func (s *NameSet) String() string {
	return "{" + strings.Join(s.names, ", ") + "}"
}

// SymbolTable records the bindings of one module or function scope.
// Locals, Cells and Free never share a name.
type SymbolTable struct {
	ID     ScopeID
	Parent ScopeID
	Kind   ScopeKind
	Name   string
	Node   NodeID
	Params []string

	Locals  *NameSet
	Globals *NameSet
	Cells   *NameSet
	Free    *NameSet

	// owners maps each free name to the scope holding its cell.
	owners map[string]ScopeID
}

func newSymbolTable(id, parent ScopeID, kind ScopeKind, name string, node NodeID) *SymbolTable {
	return &SymbolTable{
		ID:      id,
		Parent:  parent,
		Kind:    kind,
		Name:    name,
		Node:    node,
		Locals:  NewNameSet(),
		Globals: NewNameSet(),
		Cells:   NewNameSet(),
		Free:    NewNameSet(),
		owners:  make(map[string]ScopeID),
	}
}

// Classify returns the binding class of name in this scope.
func (t *SymbolTable) Classify(name string) BindingClass {
	switch {
	case t.Cells.Has(name):
		return BindingCell
	case t.Free.Has(name):
		return BindingFree
	case t.Locals.Has(name):
		return BindingLocal
	case t.Globals.Has(name):
		return BindingGlobal
	}
	return BindingUndefined
}

// FreeOwner returns the scope that owns the cell behind a free name.
func (t *SymbolTable) FreeOwner(name string) (ScopeID, bool) {
	id, ok := t.owners[name]
	return id, ok
}

// FreeOwners returns a copy of the free name to owner mapping.
func (t *SymbolTable) FreeOwners() map[string]ScopeID {
	return maps.Clone(t.owners)
}

func (t *SymbolTable) markCell(name string) error {
	if t.Cells.Has(name) {
		return nil
	}
	if t.Locals.Remove(name) || (t.Kind == ScopeModule && t.Globals.Remove(name)) {
		t.Cells.Add(name)
		return nil
	}
	return errors.Wrapf(ErrUnknownBinding, "cannot capture %q from %s scope %q: not declared there", name, t.Kind, t.Name)
}

func (t *SymbolTable) markFree(name string, owner ScopeID) error {
	if prev, ok := t.owners[name]; ok {
		if prev != owner {
			return errors.Wrapf(ErrOrphanScope, "%q in scope %q already free from scope %d, not %d", name, t.Name, prev, owner)
		}
		return nil
	}
	if t.Locals.Has(name) || t.Cells.Has(name) {
		return errors.Wrapf(ErrUnknownBinding, "%q is declared in scope %q and cannot also be free", name, t.Name)
	}
	t.Globals.Remove(name)
	t.Free.Add(name)
	t.owners[name] = owner
	return nil
}

func (t *SymbolTable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %q (scope %d, parent %d)\n", t.Kind, t.Name, t.ID, t.Parent)
	fmt.Fprintf(&sb, "  params:  %v\n", t.Params)
	fmt.Fprintf(&sb, "  locals:  %s\n", t.Locals)
	fmt.Fprintf(&sb, "  cells:   %s\n", t.Cells)
	fmt.Fprintf(&sb, "  free:    {")
	for i, name := range t.Free.names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s->%d", name, t.owners[name])
	}
	sb.WriteString("}\n")
	fmt.Fprintf(&sb, "  globals: %s", t.Globals)
	return sb.String()
}

type AnalyzerOptions struct {
	// ModuleCells lets functions capture names assigned at module level.
	// Such names become module cells instead of globals.
	ModuleCells bool
}

// Analyzer builds the symbol table tree for a whole program.
type Analyzer struct {
	opts   AnalyzerOptions
	tables []*SymbolTable
	byNode map[NodeID]ScopeID
	module ScopeID
	log    commonlog.Logger
}

func NewAnalyzer(opts AnalyzerOptions) *Analyzer {
	return &Analyzer{
		opts:   opts,
		byNode: make(map[NodeID]ScopeID),
		module: NoScope,
		log:    commonlog.GetLogger("calc.scope"),
	}
}

// Analyze runs discovery on a fresh analyzer.
func Analyze(prog *Program, opts AnalyzerOptions) (*Analyzer, error) {
	a := NewAnalyzer(opts)
	if err := a.Discover(prog); err != nil {
		return nil, err
	}
	return a, nil
}

// Discover classifies every name in prog. Tables from a previous call are
// discarded.
func (a *Analyzer) Discover(prog *Program) error {
	a.tables = nil
	a.byNode = make(map[NodeID]ScopeID)

	mod := a.newTable(NoScope, ScopeModule, "<module>", prog.ID())
	a.module = mod.ID

	contents := collectScope(prog.Statements)
	declared := make(map[string]ScopeID)
	for _, name := range contents.assigned.names {
		mod.Globals.Add(name)
		if a.opts.ModuleCells {
			declared[name] = mod.ID
		}
	}
	for _, name := range contents.referenced.names {
		mod.Globals.Add(name)
	}

	for _, fn := range contents.functions {
		if err := a.determine(fn, contents.fnNames[fn.ID()], mod.ID, declared); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) newTable(parent ScopeID, kind ScopeKind, name string, node NodeID) *SymbolTable {
	t := newSymbolTable(ScopeID(len(a.tables)), parent, kind, name, node)
	a.tables = append(a.tables, t)
	a.byNode[node] = t.ID
	return t
}

// determine classifies fn's scope and then its nested functions. declared
// maps every name visible as local or cell in an enclosing function (or the
// module, with ModuleCells) to its owner.
func (a *Analyzer) determine(fn *FunctionLit, name string, parent ScopeID, declared map[string]ScopeID) error {
	if name == "" {
		name = "<lambda>"
	}
	t := a.newTable(parent, ScopeFunction, name, fn.ID())
	for _, p := range fn.Params {
		t.Params = append(t.Params, p.Value)
		t.Locals.Add(p.Value)
	}

	contents := collectScope(fn.Body)
	for _, n := range contents.assigned.names {
		t.Locals.Add(n)
	}

	for _, n := range contents.referenced.names {
		if t.Locals.Has(n) || t.Cells.Has(n) || t.Free.Has(n) {
			continue
		}
		if owner, ok := declared[n]; ok {
			if err := a.capture(t.ID, owner, n); err != nil {
				return err
			}
			continue
		}
		t.Globals.Add(n)
	}

	inner := maps.Clone(declared)
	for _, n := range t.Locals.names {
		inner[n] = t.ID
	}
	for _, n := range t.Cells.names {
		inner[n] = t.ID
	}

	for _, nested := range contents.functions {
		if err := a.determine(nested, contents.fnNames[nested.ID()], t.ID, inner); err != nil {
			return err
		}
	}

	a.log.Debugf("%s", t)
	return nil
}

// capture makes name a cell of owner and a free variable of every scope from
// `from` up to, but not including, owner.
func (a *Analyzer) capture(from, owner ScopeID, name string) error {
	ownerTable, err := a.Table(owner)
	if err != nil {
		return err
	}
	if err := ownerTable.markCell(name); err != nil {
		return err
	}

	for id := from; id != owner; {
		if id == NoScope {
			return errors.Wrapf(ErrOrphanScope, "scope %d is not an ancestor of scope %d", owner, from)
		}
		t, err := a.Table(id)
		if err != nil {
			return err
		}
		if err := t.markFree(name, owner); err != nil {
			return err
		}
		id = t.Parent
	}
	return nil
}

// Module returns the module table, or nil before Discover.
func (a *Analyzer) Module() *SymbolTable {
	if a.module == NoScope {
		return nil
	}
	return a.tables[a.module]
}

// Lookup returns the table created for the Program or FunctionLit with the
// given node ID.
func (a *Analyzer) Lookup(node NodeID) (*SymbolTable, error) {
	id, ok := a.byNode[node]
	if !ok {
		return nil, errors.Wrapf(ErrScopeNotFound, "node %d", node)
	}
	return a.tables[id], nil
}

func (a *Analyzer) Table(id ScopeID) (*SymbolTable, error) {
	if id < 0 || int(id) >= len(a.tables) {
		return nil, errors.Wrapf(ErrOrphanScope, "scope %d does not exist", id)
	}
	return a.tables[id], nil
}

// Tables returns every table in creation order. The module is first.
func (a *Analyzer) Tables() []*SymbolTable {
	return a.tables
}

type scopeContents struct {
	assigned   *NameSet
	referenced *NameSet
	functions  []*FunctionLit
	fnNames    map[NodeID]string
}

// collectScope gathers what a scope body assigns and reads, stopping at
// nested function literals.
func collectScope(stmts []Stmt) *scopeContents {
	c := &scopeContents{
		assigned:   NewNameSet(),
		referenced: NewNameSet(),
		fnNames:    make(map[NodeID]string),
	}

	var visit WalkFunc
	visit = func(n ASTNode) bool {
		switch n := n.(type) {
		case *FunctionLit:
			c.functions = append(c.functions, n)
			return false
		case *AssignStmt:
			c.assigned.Add(n.Target.Name)
			if fn, ok := n.Value.(*FunctionLit); ok {
				c.fnNames[fn.ID()] = n.Target.Name
			}
			Walk(n.Value, visit)
			return false
		case *VarRef:
			c.referenced.Add(n.Name)
		}
		return true
	}

	for _, stmt := range stmts {
		Walk(stmt, visit)
	}
	return c
}

// BindingAt finds the variable reference covering the 1-based line and
// rune column and returns it with the table of the scope it appears in.
func (a *Analyzer) BindingAt(prog *Program, line, col int) (*VarRef, *SymbolTable, bool) {
	var found *VarRef
	owner := NoNode

	var search func(root ASTNode, scope NodeID)
	search = func(root ASTNode, scope NodeID) {
		Walk(root, WalkFunc(func(n ASTNode) bool {
			if fn, ok := n.(*FunctionLit); ok && n != root {
				search(fn, fn.ID())
				return false
			}
			if v, ok := n.(*VarRef); ok && v.Token.Loc.Line == line &&
				col >= v.Token.Loc.Col && col < v.Token.Loc.Col+utf8.RuneCountInString(v.Name) {
				found, owner = v, scope
			}
			return true
		}))
	}
	search(prog, prog.ID())

	if found == nil {
		return nil, nil, false
	}
	table, err := a.Lookup(owner)
	if err != nil {
		return nil, nil, false
	}
	return found, table, true
}
