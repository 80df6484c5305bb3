package mapper

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/uber/warmlsp/src/warmlsp/entity"
	"github.com/uber/warmlsp/src/warmlsp/internal/errors"
	"github.com/uber/warmlsp/src/warmlsp/internal/textmapper"
	"go.lsp.dev/protocol"
)

// ArgToPosition parses "path:line:col". The path may itself contain colons; line and col are taken from the end.
func ArgToPosition(arg string) (entity.Position, error) {
	colIdx := strings.LastIndex(arg, ":")
	if colIdx <= 0 {
		return entity.Position{}, invalidPosition(arg)
	}
	lineIdx := strings.LastIndex(arg[:colIdx], ":")
	if lineIdx <= 0 {
		return entity.Position{}, invalidPosition(arg)
	}

	line, err := strconv.Atoi(arg[lineIdx+1 : colIdx])
	if err != nil || line < 1 {
		return entity.Position{}, invalidPosition(arg)
	}
	col, err := strconv.Atoi(arg[colIdx+1:])
	if err != nil || col < 1 {
		return entity.Position{}, invalidPosition(arg)
	}
	return entity.Position{Path: arg[:lineIdx], Line: line, Column: col}, nil
}

// ProjectPath resolves path against root unless it is already absolute.
func ProjectPath(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// PositionToProtocol converts a command line position into an LSP position against the file content.
func PositionToProtocol(content []byte, pos entity.Position) (protocol.Position, error) {
	p, err := textmapper.New(content).CharPosition(pos.Line, pos.Column)
	if err != nil {
		return protocol.Position{}, errors.Wrap(errors.KindInvalidRequest, err, fmt.Sprintf("position %s:%d:%d", pos.Path, pos.Line, pos.Column))
	}
	return p, nil
}

func invalidPosition(arg string) error {
	return errors.Newf(errors.KindInvalidRequest, "expected path:line:col with 1-based line and column, got %q", arg)
}
