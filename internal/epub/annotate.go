package epub

import (
	"encoding/base64"
	"log/slog"
	"mime"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var cssURLRe = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// extraMIME covers asset extensions the platform mime table may not know.
var extraMIME = map[string]string{
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".svg":   "image/svg+xml",
}

// annotateChapter produces the display HTML for one chapter document:
// linked stylesheets are inlined, and every url(...) reference and <img src>
// is rewritten to a base64 data URL. References to assets missing from the
// archive are logged and left untouched.
func annotateChapter(arc *archive, docPath string, doc *html.Node) string {
	docDir := path.Dir(docPath)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		var next *html.Node
		for child := n.FirstChild; child != nil; child = next {
			next = child.NextSibling
			if child.Type != html.ElementNode {
				continue
			}
			switch child.Data {
			case "link":
				if isStylesheetLink(child) {
					if replacement := inlineStylesheet(arc, docDir, child); replacement != nil {
						n.InsertBefore(replacement, child)
						n.RemoveChild(child)
						continue
					}
				}
			case "style":
				if child.FirstChild != nil && child.FirstChild.Type == html.TextNode {
					child.FirstChild.Data = rewriteCSSURLs(arc, docDir, child.FirstChild.Data)
				}
			case "img", "image", "source":
				rewriteImageAttrs(arc, docDir, child)
			}
			walk(child)
		}
	}
	walk(doc)
	hoistHeadStyles(doc)

	return renderBody(doc)
}

// hoistHeadStyles moves <style> nodes from <head> to the front of <body> so
// the rendered chapter fragment keeps its styling.
func hoistHeadStyles(doc *html.Node) {
	head := findElement(doc, "head")
	body := findElement(doc, "body")
	if head == nil || body == nil {
		return
	}
	var next *html.Node
	anchor := body.FirstChild
	for child := head.FirstChild; child != nil; child = next {
		next = child.NextSibling
		if child.Type == html.ElementNode && child.Data == "style" {
			head.RemoveChild(child)
			body.InsertBefore(child, anchor)
		}
	}
}

func isStylesheetLink(n *html.Node) bool {
	for _, attr := range n.Attr {
		if attr.Key == "rel" && strings.EqualFold(strings.TrimSpace(attr.Val), "stylesheet") {
			return true
		}
	}
	return false
}

// inlineStylesheet reads the linked CSS and returns a <style> node with its
// contents, with url(...) references resolved against the stylesheet's own
// directory. Returns nil when the stylesheet is missing.
func inlineStylesheet(arc *archive, docDir string, link *html.Node) *html.Node {
	var href string
	for _, attr := range link.Attr {
		if attr.Key == "href" {
			href = attr.Val
			break
		}
	}
	if href == "" {
		return nil
	}
	cssPath := resolveHref(docDir, href)
	data, ok := arc.read(cssPath)
	if !ok {
		slog.Warn("stylesheet missing from archive", "href", href)
		return nil
	}
	css := rewriteCSSURLs(arc, path.Dir(cssPath), string(data))
	style := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Style,
		Data:     "style",
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return style
}

// rewriteCSSURLs replaces every url(...) reference with a data URL. Paths
// resolve relative to baseDir (the directory of the file the CSS came from).
func rewriteCSSURLs(arc *archive, baseDir, css string) string {
	return cssURLRe.ReplaceAllStringFunc(css, func(match string) string {
		ref := cssURLRe.FindStringSubmatch(match)[1]
		if strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
			return match
		}
		encoded, ok := assetDataURL(arc, resolveHref(baseDir, ref))
		if !ok {
			slog.Warn("css asset missing from archive", "ref", ref)
			return match
		}
		return "url(" + encoded + ")"
	})
}

// rewriteImageAttrs rewrites src/href attributes of image-bearing elements
// to data URLs.
func rewriteImageAttrs(arc *archive, docDir string, n *html.Node) {
	for i, attr := range n.Attr {
		key := attr.Key
		if key != "src" && key != "href" && key != "xlink:href" {
			continue
		}
		ref := attr.Val
		if ref == "" || strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
			continue
		}
		encoded, ok := assetDataURL(arc, resolveHref(docDir, ref))
		if !ok {
			slog.Warn("image asset missing from archive", "ref", ref)
			continue
		}
		n.Attr[i].Val = encoded
	}
}

// assetDataURL loads an archive asset and encodes it as a base64 data URL.
func assetDataURL(arc *archive, assetPath string) (string, bool) {
	data, ok := arc.read(assetPath)
	if !ok {
		return "", false
	}
	return "data:" + mimeFor(assetPath) + ";base64," + base64.StdEncoding.EncodeToString(data), true
}

func mimeFor(assetPath string) string {
	ext := strings.ToLower(path.Ext(assetPath))
	if m, ok := extraMIME[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}

// renderBody renders the children of <body> (or the whole document when no
// body element exists) back to an HTML string.
func renderBody(doc *html.Node) string {
	body := findElement(doc, "body")
	var buf strings.Builder
	if body == nil {
		_ = html.Render(&buf, doc)
		return buf.String()
	}
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		_ = html.Render(&buf, child)
	}
	return buf.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
