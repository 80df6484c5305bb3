package mapper

import (
	"encoding/json"
	"path/filepath"

	"go.lsp.dev/protocol"
)

// Text document sync kinds advertised by servers.
const (
	SyncNone        = 0
	SyncFull        = 1
	SyncIncremental = 2
)

// ClientInfo names the client in initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder is one root folder announced in initialize.
type WorkspaceFolder struct {
	URI  protocol.DocumentURI `json:"uri"`
	Name string               `json:"name"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProcessID             int32                  `json:"processId"`
	ClientInfo            ClientInfo             `json:"clientInfo"`
	RootURI               protocol.DocumentURI   `json:"rootUri"`
	RootPath              string                 `json:"rootPath"`
	InitializationOptions map[string]interface{} `json:"initializationOptions,omitempty"`
	Capabilities          map[string]interface{} `json:"capabilities"`
	WorkspaceFolders      []WorkspaceFolder      `json:"workspaceFolders"`
}

// InitializeResult is the answer to initialize. Only the capabilities the daemon acts on are decoded.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ClientInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities holds the server capabilities that change how the daemon talks to it.
type ServerCapabilities struct {
	TextDocumentSync   json.RawMessage `json:"textDocumentSync,omitempty"`
	DiagnosticProvider json.RawMessage `json:"diagnosticProvider,omitempty"`
}

// SyncKind returns how document changes must be sent. The capability is either a number or an options object.
func (c ServerCapabilities) SyncKind() int {
	if isNull(c.TextDocumentSync) {
		return SyncNone
	}
	var kind int
	if err := json.Unmarshal(c.TextDocumentSync, &kind); err == nil {
		return kind
	}
	var options struct {
		Change int `json:"change"`
	}
	if err := json.Unmarshal(c.TextDocumentSync, &options); err == nil {
		return options.Change
	}
	return SyncNone
}

// SupportsDiagnosticPull reports whether the server answers textDocument/diagnostic.
func (c ServerCapabilities) SupportsDiagnosticPull() bool {
	if isNull(c.DiagnosticProvider) {
		return false
	}
	var enabled bool
	if err := json.Unmarshal(c.DiagnosticProvider, &enabled); err == nil {
		return enabled
	}
	return true
}

// ClientCapabilities are the capabilities warmlsp announces. Only features it uses are listed.
func ClientCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"textDocument": map[string]interface{}{
			"synchronization": map[string]interface{}{"didSave": false, "dynamicRegistration": false},
			"publishDiagnostics": map[string]interface{}{
				"versionSupport":     true,
				"relatedInformation": true,
			},
			"diagnostic":     map[string]interface{}{"dynamicRegistration": false},
			"definition":     map[string]interface{}{"linkSupport": true},
			"typeDefinition": map[string]interface{}{"linkSupport": true},
			"implementation": map[string]interface{}{"linkSupport": true},
			"references":     map[string]interface{}{},
			"hover":          map[string]interface{}{"contentFormat": []string{"markdown", "plaintext"}},
			"documentSymbol": map[string]interface{}{"hierarchicalDocumentSymbolSupport": true},
		},
		"workspace": map[string]interface{}{
			"configuration":    true,
			"workspaceFolders": true,
			"symbol":           map[string]interface{}{},
		},
		"window": map[string]interface{}{"workDoneProgress": true},
	}
}

// RootToInitializeParams builds initialize for a project root.
func RootToInitializeParams(root string, pid int, version string, options map[string]interface{}) InitializeParams {
	rootURI := PathToURI(root)
	return InitializeParams{
		ProcessID:             int32(pid),
		ClientInfo:            ClientInfo{Name: "warmlsp", Version: version},
		RootURI:               rootURI,
		RootPath:              root,
		InitializationOptions: options,
		Capabilities:          ClientCapabilities(),
		WorkspaceFolders:      []WorkspaceFolder{{URI: rootURI, Name: filepath.Base(root)}},
	}
}

// ReferenceParams is the payload of textDocument/references.
type ReferenceParams struct {
	protocol.TextDocumentPositionParams
	Context protocol.ReferenceContext `json:"context"`
}

// DocumentDiagnosticParams is the payload of textDocument/diagnostic.
type DocumentDiagnosticParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
}

// PositionParams builds the parameters shared by position based requests.
func PositionParams(uri protocol.DocumentURI, pos protocol.Position) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
}
