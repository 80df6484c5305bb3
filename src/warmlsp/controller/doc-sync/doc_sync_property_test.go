package docsync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber/warmlsp/src/warmlsp/internal/fs"
	"go.lsp.dev/protocol"
	"pgregory.net/rapid"
)

// Any interleaving of edits and concurrent references yields one didOpen per document
// followed by didChange notifications whose versions step by one.
func TestVersionsStrictlyIncrease(t *testing.T) {
	base := t.TempDir()
	contents := []string{"0", "1", "22", "héllo\nwörld\n", ""}

	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(base, "prop")
		require.NoError(rt, err)
		files := []string{filepath.Join(dir, "a.ts"), filepath.Join(dir, "b.ts"), filepath.Join(dir, "c.ts")}
		for _, f := range files {
			require.NoError(rt, os.WriteFile(f, []byte("0"), 0644))
		}

		r := &recorder{}
		tracker, err := New(Options{
			Notifier:         r,
			FS:               fs.New(),
			MaxFileSizeBytes: 1024,
			Incremental:      rapid.Bool().Draw(rt, "incremental"),
		})
		require.NoError(rt, err)
		defer tracker.Discard()

		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "write") {
				f := rapid.SampledFrom(files).Draw(rt, "file")
				content := rapid.SampledFrom(contents).Draw(rt, "content")
				require.NoError(rt, os.WriteFile(f, []byte(content), 0644))
			}

			workers := rapid.IntRange(1, 3).Draw(rt, "workers")
			sets := make([][]string, workers)
			for w := range sets {
				sets[w] = rapid.SliceOfN(rapid.SampledFrom(files), 1, 3).Draw(rt, "paths")
			}

			var wg sync.WaitGroup
			errs := make([]error, workers)
			for w, paths := range sets {
				wg.Add(1)
				go func(w int, paths []string) {
					defer wg.Done()
					lease, err := tracker.Acquire(context.Background(), paths...)
					if err != nil {
						errs[w] = err
						return
					}
					lease.Release()
				}(w, paths)
			}
			wg.Wait()
			for _, err := range errs {
				require.NoError(rt, err)
			}
		}

		opens := make(map[protocol.DocumentURI]int)
		last := make(map[protocol.DocumentURI]int32)
		for _, c := range r.calls {
			switch c.method {
			case protocol.MethodTextDocumentDidOpen:
				opens[c.uri]++
				require.Equal(rt, int32(1), c.version)
				last[c.uri] = c.version
			case protocol.MethodTextDocumentDidChange:
				require.Equal(rt, 1, opens[c.uri], "change before announce")
				require.Equal(rt, last[c.uri]+1, c.version)
				last[c.uri] = c.version
			}
		}
		for uri, n := range opens {
			require.Equal(rt, 1, n, "announced %s more than once", uri)
		}
	})
}
