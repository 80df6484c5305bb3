package lspsession

import (
	"context"
	"encoding/json"
	"fmt"

	docsync "github.com/uber/warmlsp/src/warmlsp/controller/doc-sync"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/protocol"
)

const (
	_methodWorkspaceSymbol    = "workspace/symbol"
	_methodDocumentDiagnostic = "textDocument/diagnostic"

	_reportKindFull = "full"
)

// Definition returns the first definition of the symbol at pos, or nil when there is none.
func (s *Session) Definition(ctx context.Context, pos entity.Position) (*protocol.Location, error) {
	return s.firstLocation(ctx, protocol.MethodTextDocumentDefinition, pos)
}

// TypeDefinition returns the first type definition of the symbol at pos, or nil when there is none.
func (s *Session) TypeDefinition(ctx context.Context, pos entity.Position) (*protocol.Location, error) {
	return s.firstLocation(ctx, protocol.MethodTextDocumentTypeDefinition, pos)
}

// Implementation returns the implementations of the symbol at pos.
func (s *Session) Implementation(ctx context.Context, pos entity.Position) ([]protocol.Location, error) {
	raw, err := s.positionCall(ctx, protocol.MethodTextDocumentImplementation, pos, func(p protocol.TextDocumentPositionParams) interface{} {
		return p
	})
	if err != nil {
		return nil, err
	}
	return mapper.ResultToLocations(raw)
}

// References returns the references to the symbol at pos.
func (s *Session) References(ctx context.Context, pos entity.Position, includeDeclaration bool) ([]protocol.Location, error) {
	raw, err := s.positionCall(ctx, protocol.MethodTextDocumentReferences, pos, func(p protocol.TextDocumentPositionParams) interface{} {
		return mapper.ReferenceParams{
			TextDocumentPositionParams: p,
			Context:                    protocol.ReferenceContext{IncludeDeclaration: includeDeclaration},
		}
	})
	if err != nil {
		return nil, err
	}
	return mapper.ResultToLocations(raw)
}

// Hover returns the hover text at pos, or nil when there is none.
func (s *Session) Hover(ctx context.Context, pos entity.Position) (*entity.HoverResult, error) {
	raw, err := s.positionCall(ctx, protocol.MethodTextDocumentHover, pos, func(p protocol.TextDocumentPositionParams) interface{} {
		return p
	})
	if err != nil {
		return nil, err
	}
	return mapper.ResultToHover(raw)
}

// DocumentSymbols returns the server's symbol payload for path unchanged, or nil when it is empty.
func (s *Session) DocumentSymbols(ctx context.Context, path string) (json.RawMessage, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	abs := mapper.ProjectPath(s.root, path)
	lease, err := s.acquire(ctx, abs)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	doc, _ := lease.Document(abs)
	params := protocol.DocumentSymbolParams{TextDocument: protocol.TextDocumentIdentifier{URI: doc.URI}}
	raw, err := s.client.Call(ctx, protocol.MethodTextDocumentDocumentSymbol, params, nil)
	if err != nil || mapper.IsEmptyResult(raw) {
		return nil, err
	}
	return raw, nil
}

// WorkspaceSymbols returns the server's workspace symbol payload for query unchanged, or nil when it is empty.
func (s *Session) WorkspaceSymbols(ctx context.Context, query string) (json.RawMessage, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	raw, err := s.client.Call(ctx, _methodWorkspaceSymbol, protocol.WorkspaceSymbolParams{Query: query}, nil)
	if err != nil || mapper.IsEmptyResult(raw) {
		return nil, err
	}
	return raw, nil
}

// Diagnostics returns the diagnostics of each path for its current content, keyed by URI.
// Fresh cached diagnostics are returned without waiting. Otherwise the server's next publish is awaited,
// falling back to a pull request when the server supports one.
func (s *Session) Diagnostics(ctx context.Context, paths []string) (map[protocol.DocumentURI][]json.RawMessage, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		abs = append(abs, mapper.ProjectPath(s.root, p))
	}
	lease, err := s.acquire(ctx, abs...)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	deadline := s.deps.Clock.Now().Add(s.cfg.DiagnosticsWait)
	result := make(map[protocol.DocumentURI][]json.RawMessage, len(abs))
	for _, doc := range lease.Documents() {
		if cached, fresh := s.diagnostics.Get(doc.URI); fresh {
			result[doc.URI] = cached
			continue
		}

		Report(ctx, "waiting for diagnostics of %s", doc.Path)
		diags, fresh, err := s.diagnostics.Wait(ctx, doc.URI, deadline.Sub(s.deps.Clock.Now()))
		if err != nil {
			return nil, err
		}
		if !fresh && s.capabilities.SupportsDiagnosticPull() {
			Report(ctx, "requesting diagnostics of %s", doc.Path)
			diags, err = s.pullDiagnostics(ctx, doc)
			if err != nil {
				return nil, err
			}
		}
		if diags == nil {
			diags = []json.RawMessage{}
		}
		result[doc.URI] = diags
	}
	return result, nil
}

func (s *Session) pullDiagnostics(ctx context.Context, doc docsync.Document) ([]json.RawMessage, error) {
	params := mapper.DocumentDiagnosticParams{TextDocument: protocol.TextDocumentIdentifier{URI: doc.URI}}
	var pulled mapper.DocumentDiagnosticReport
	if _, err := s.client.Call(ctx, _methodDocumentDiagnostic, params, &pulled); err != nil {
		return nil, err
	}
	if pulled.Kind != "" && pulled.Kind != _reportKindFull {
		// An unchanged report refers to diagnostics this daemon never received.
		items, _ := s.diagnostics.Get(doc.URI)
		return items, nil
	}
	s.diagnostics.Store(doc.URI, doc.Version, pulled.Items)
	return pulled.Items, nil
}

func (s *Session) firstLocation(ctx context.Context, method string, pos entity.Position) (*protocol.Location, error) {
	raw, err := s.positionCall(ctx, method, pos, func(p protocol.TextDocumentPositionParams) interface{} {
		return p
	})
	if err != nil {
		return nil, err
	}
	locations, err := mapper.ResultToLocations(raw)
	if err != nil || len(locations) == 0 {
		return nil, err
	}
	return &locations[0], nil
}

// positionCall syncs the document at pos and sends a position request built by params,
// holding the document's lease until the response arrives.
func (s *Session) positionCall(ctx context.Context, method string, pos entity.Position, params func(protocol.TextDocumentPositionParams) interface{}) (json.RawMessage, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	path := mapper.ProjectPath(s.root, pos.Path)
	lease, err := s.acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	doc, _ := lease.Document(path)
	position, err := mapper.PositionToProtocol(doc.Text, pos)
	if err != nil {
		return nil, err
	}
	return s.client.Call(ctx, method, params(mapper.PositionParams(doc.URI, position)), nil)
}

func (s *Session) acquire(ctx context.Context, paths ...string) (*docsync.Lease, error) {
	lease, err := s.tracker.Acquire(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("syncing documents: %w", err)
	}
	for _, doc := range lease.Documents() {
		Report(ctx, "synced %s at version %d", doc.Path, doc.Version)
	}
	return lease, nil
}
