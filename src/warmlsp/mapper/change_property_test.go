package mapper

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"pgregory.net/rapid"
)

// Applying the computed change the way a language server does reproduces the new text.
func TestContentToChangeApplies(t *testing.T) {
	pieces := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", " ", "\r", "\n", "\r\n", "é", "😀"}))

	rapid.Check(t, func(rt *rapid.T) {
		before := pieces.Draw(rt, "before")
		i := rapid.IntRange(0, len(before)).Draw(rt, "from")
		j := rapid.IntRange(i, len(before)).Draw(rt, "to")
		inserted := pieces.Draw(rt, "inserted")

		oldText := strings.Join(before, "")
		newText := strings.Join(before[:i], "") + strings.Join(inserted, "") + strings.Join(before[j:], "")

		change, err := ContentToChange([]byte(oldText), []byte(newText), true)
		require.NoError(rt, err)
		require.NotNil(rt, change.Range)

		start := lspOffset(oldText, change.Range.Start)
		end := lspOffset(oldText, change.Range.End)
		require.True(rt, start >= 0 && end >= start, "range %+v does not address %q", change.Range, oldText)
		require.Equal(rt, newText, oldText[:start]+change.Text+oldText[end:])
	})
}

// lspOffset resolves a position the way LSP defines lines: \n, \r\n and \r all end a line,
// and characters are UTF-16 code units.
func lspOffset(text string, pos protocol.Position) int {
	i := 0
	for line := uint32(0); line < pos.Line; line++ {
		for i < len(text) && text[i] != '\n' && text[i] != '\r' {
			i++
		}
		if i == len(text) {
			return -1
		}
		if text[i] == '\r' && i+1 < len(text) && text[i+1] == '\n' {
			i++
		}
		i++
	}
	for col := uint32(0); col < pos.Character; col++ {
		r, size := utf8.DecodeRuneInString(text[i:])
		if size == 0 || r == '\n' || r == '\r' {
			return -1
		}
		if r >= 0x10000 {
			col++
		}
		i += size
	}
	return i
}
