// Package hooks provides built-in transforms for the signal store's hook
// chains.
package hooks

import (
	"context"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/agentchat/internal/types"
)

// Keys under which the built-in hooks register.
const (
	HTMLToMarkdownKey = "html-to-markdown"
	TrimSpaceKey      = "trim-space"
)

var (
	leadingTag  = regexp.MustCompile(`(?i)^<(!doctype|html|body|p|div|br|h[1-6]|ul|ol|li|a|strong|em|b|i|pre|code|table|blockquote)[\s>/]`)
	closingTag  = regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*\s*/?>$`)
	fenceMarker = regexp.MustCompile("(?m)^\\s*(```|~~~)")
)

// isHTML reports whether text is an HTML document or fragment as a whole.
// Markdown that merely mentions tags, in fences or inline code, is not.
func isHTML(text string) bool {
	t := strings.TrimSpace(text)
	if fenceMarker.MatchString(t) || strings.Contains(t, "`") {
		return false
	}
	return leadingTag.MatchString(t) && closingTag.MatchString(t)
}

// HTMLToMarkdown rewrites text parts that are HTML as markdown. Anything
// else, markdown included, passes through untouched.
func HTMLToMarkdown(_ context.Context, msg *types.Message) (*types.Message, error) {
	for i, p := range msg.Parts {
		tp, ok := p.(types.TextPart)
		if !ok || !isHTML(tp.Text) {
			continue
		}
		md, err := htmltomarkdown.ConvertString(tp.Text)
		if err != nil {
			return nil, err
		}
		tp.Text = strings.TrimSpace(md)
		msg.Parts[i] = tp
	}
	return msg, nil
}

// TrimSpace trims surrounding whitespace from outgoing text parts and drops
// parts that become empty.
func TrimSpace(_ context.Context, parts []types.Part) ([]types.Part, error) {
	out := make([]types.Part, 0, len(parts))
	for _, p := range parts {
		if tp, ok := p.(types.TextPart); ok {
			tp.Text = strings.TrimSpace(tp.Text)
			if tp.Text == "" {
				continue
			}
			p = tp
		}
		out = append(out, p)
	}
	return out, nil
}
