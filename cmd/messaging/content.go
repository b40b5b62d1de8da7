package messaging

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultImageAlt is the alt text used when embedding an uploaded attachment.
const DefaultImageAlt = "Image"

var markdown = goldmark.New()

// EmbedImage renders the inline-image convention used in message content.
// The surrounding newlines keep the image on its own line when appended to a draft.
func EmbedImage(alt, url string) string {
	alt = strings.TrimSpace(alt)
	if alt == "" {
		alt = DefaultImageAlt
	}
	alt = strings.NewReplacer("[", "", "]", "").Replace(alt)
	return "\n![" + alt + "](" + strings.TrimSpace(url) + ")\n"
}

// ImageURLs returns the destinations of all inline images in content, in order.
func ImageURLs(content string) []string {
	if !strings.Contains(content, "![") {
		return nil
	}

	src := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			out = append(out, string(img.Destination))
		}
		return ast.WalkContinue, nil
	})
	return out
}
