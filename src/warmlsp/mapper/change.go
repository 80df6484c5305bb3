package mapper

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/uber/warmlsp/src/warmlsp/internal/textmapper"
	"go.lsp.dev/protocol"
)

// ContentChange is one entry of textDocument/didChange contentChanges.
// A nil Range replaces the whole document.
type ContentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

// ContentToChange returns the change that turns before into after.
// With incremental set the change is a single ranged edit covering the span between the common prefix and suffix.
func ContentToChange(before, after []byte, incremental bool) (ContentChange, error) {
	if !incremental {
		return ContentChange{Text: string(after)}, nil
	}

	dmp := diffmatchpatch.New()
	oldText, newText := string(before), string(after)

	prefixRunes := dmp.DiffCommonPrefix(oldText, newText)
	prefix := runeBytes(oldText, prefixRunes)

	// The suffix is searched only past the prefix so the two never overlap.
	suffixRunes := dmp.DiffCommonSuffix(oldText[prefix:], newText[prefix:])
	oldSuffix := len(oldText) - runeBytesFromEnd(oldText, suffixRunes)
	newSuffix := len(newText) - runeBytesFromEnd(newText, suffixRunes)

	// A position cannot address the middle of a \r\n terminator, so edges falling there
	// are widened over the whole terminator, which both texts share.
	if splitsCRLF(oldText, prefix) {
		prefix--
	}
	if splitsCRLF(oldText, oldSuffix) {
		oldSuffix++
		newSuffix++
	}

	m := textmapper.New(before)
	start, err := m.OffsetPosition(prefix)
	if err != nil {
		return ContentChange{}, err
	}
	end, err := m.OffsetPosition(oldSuffix)
	if err != nil {
		return ContentChange{}, err
	}
	return ContentChange{
		Range: &protocol.Range{Start: start, End: end},
		Text:  newText[prefix:newSuffix],
	}, nil
}

func splitsCRLF(s string, offset int) bool {
	return offset > 0 && offset < len(s) && s[offset-1] == '\r' && s[offset] == '\n'
}

// runeBytes returns the byte length of the first n runes of s.
func runeBytes(s string, n int) int {
	offset := 0
	for i := 0; i < n && offset < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[offset:])
		offset += size
	}
	return offset
}

// runeBytesFromEnd returns the byte length of the last n runes of s.
func runeBytesFromEnd(s string, n int) int {
	end := len(s)
	for i := 0; i < n && end > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:end])
		end -= size
	}
	return len(s) - end
}

// DidChangeParams is the payload of textDocument/didChange.
type DidChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []ContentChange                          `json:"contentChanges"`
}
