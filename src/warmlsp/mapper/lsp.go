// Package mapper converts between command line arguments, daemon results and LSP payloads.
package mapper

import (
	"encoding/json"
	"strings"

	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
// Diagnostics are kept as raw JSON so that they are passed to clients unchanged.
type PublishDiagnosticsParams struct {
	URI         protocol.DocumentURI `json:"uri"`
	Version     *int32               `json:"version,omitempty"`
	Diagnostics []json.RawMessage    `json:"diagnostics"`
}

// DocumentDiagnosticReport is the result of a textDocument/diagnostic pull request.
type DocumentDiagnosticReport struct {
	Kind  string            `json:"kind"`
	Items []json.RawMessage `json:"items"`
}

// ShowMessageParams covers window/logMessage and window/showMessage.
type ShowMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ConfigurationParams is the payload of workspace/configuration requests from the server.
type ConfigurationParams struct {
	Items []json.RawMessage `json:"items"`
}

// locationOrLink decodes both Location and LocationLink.
type locationOrLink struct {
	URI                  protocol.DocumentURI `json:"uri"`
	Range                protocol.Range       `json:"range"`
	TargetURI            protocol.DocumentURI `json:"targetUri"`
	TargetSelectionRange protocol.Range       `json:"targetSelectionRange"`
}

func (l locationOrLink) location() protocol.Location {
	if l.TargetURI != "" {
		return protocol.Location{URI: l.TargetURI, Range: l.TargetSelectionRange}
	}
	return protocol.Location{URI: l.URI, Range: l.Range}
}

// ResultToLocations decodes a definition-like result: null, Location, Location[] or LocationLink[].
func ResultToLocations(raw json.RawMessage) ([]protocol.Location, error) {
	if isNull(raw) {
		return nil, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var single locationOrLink
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, wrapErrParse(err)
		}
		return []protocol.Location{single.location()}, nil
	}

	var many []locationOrLink
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, wrapErrParse(err)
	}
	locations := make([]protocol.Location, 0, len(many))
	for _, l := range many {
		locations = append(locations, l.location())
	}
	return locations, nil
}

// ResultToHover decodes a hover result. Contents in any of the protocol's shapes are flattened into one string.
func ResultToHover(raw json.RawMessage) (*entity.HoverResult, error) {
	if isNull(raw) {
		return nil, nil
	}

	var hover struct {
		Contents json.RawMessage `json:"contents"`
		Range    *protocol.Range `json:"range,omitempty"`
	}
	if err := json.Unmarshal(raw, &hover); err != nil {
		return nil, wrapErrParse(err)
	}

	contents, err := hoverContents(hover.Contents)
	if err != nil {
		return nil, err
	}
	if contents == "" {
		return nil, nil
	}
	return &entity.HoverResult{Contents: contents, Range: hover.Range}, nil
}

func hoverContents(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil {
		return markup.Value, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", wrapErrParse(err)
	}
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		v, err := hoverContents(part)
		if err != nil {
			return "", err
		}
		if v != "" {
			values = append(values, v)
		}
	}
	return strings.Join(values, "\n\n"), nil
}

// IsEmptyResult reports whether a raw result is null or an empty array.
func IsEmptyResult(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	return strings.TrimSpace(string(raw)) == "[]"
}

// PathToURI converts an absolute file path into a file URI.
func PathToURI(path string) protocol.DocumentURI {
	return uri.File(path)
}

// URIToPath converts a file URI into a file path.
func URIToPath(u protocol.DocumentURI) string {
	return u.Filename()
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// wrapErrParse classifies a result the server sent but that cannot be decoded.
func wrapErrParse(err error) error {
	return errors.Wrap(errors.KindProtocol, err, jsonrpc2.ErrParse.Error())
}
