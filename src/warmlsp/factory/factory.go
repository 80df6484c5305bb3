// Package factory builds test fixtures: request values, project directories and an in-process language server.
package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uber/warmlsp/src/warmlsp/entity"
	"go.lsp.dev/jsonrpc2"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// JSONRPCCall is a factory for a JSON-RPC call containing the specified method and parameters.
func JSONRPCCall(id int32, method string, params interface{}) *jsonrpc2.Call {
	call, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(id), method, params)
	return call
}

// DefinitionRequest is a factory for a definition request.
func DefinitionRequest(root, arg string) entity.Request {
	return entity.Request{Action: entity.ActionDefinition, ProjectRoot: root, Args: []string{arg}}
}

// Project creates a project directory with a tsconfig.json marker and the given files, and returns its path.
func Project(t testing.TB, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	if _, ok := files["tsconfig.json"]; !ok {
		files = withFile(files, "tsconfig.json", "{}")
	}
	for name, content := range files {
		WriteFile(t, root, name, content)
	}
	return root
}

// WriteFile writes content to root/name, creating parent directories.
func WriteFile(t testing.TB, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func withFile(files map[string]string, name, content string) map[string]string {
	out := make(map[string]string, len(files)+1)
	for k, v := range files {
		out[k] = v
	}
	out[name] = content
	return out
}
