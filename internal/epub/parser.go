// Package epub extracts paragraph-preserving plain text and annotated
// display HTML from EPUB archives.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"readalong/pkg/domain"
)

// minChapterChars is the minimum extracted length for a spine item to be
// kept as a chapter.
const minChapterChars = 50

// ParsedBook is the result of parsing one EPUB archive.
type ParsedBook struct {
	Title             string
	Author            string
	PlainText         string
	Chapters          []domain.Chapter
	AnnotatedChapters []domain.AnnotatedChapter
}

type opfPackage struct {
	XMLName  xml.Name `xml:"package"`
	Metadata struct {
		Titles   []string `xml:"title"`
		Creators []string `xml:"creator"`
	} `xml:"metadata"`
	Manifest struct {
		Items []opfItem `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type opfItem struct {
	ID        string `xml:"id,attr"`
	Href      string `xml:"href,attr"`
	MediaType string `xml:"media-type,attr"`
}

type containerXML struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

// archive wraps the zip contents with normalized and case-insensitive
// lookup so sloppily-authored EPUBs with mismatched href casing still
// resolve.
type archive struct {
	files map[string]*zip.File
	lower map[string]string // lowercase path -> canonical path
}

func newArchive(r *zip.Reader) *archive {
	a := &archive{
		files: make(map[string]*zip.File, len(r.File)),
		lower: make(map[string]string, len(r.File)),
	}
	for _, f := range r.File {
		name := path.Clean(f.Name)
		a.files[name] = f
		a.lower[strings.ToLower(name)] = name
	}
	return a
}

func (a *archive) read(name string) ([]byte, bool) {
	name = path.Clean(name)
	f, ok := a.files[name]
	if !ok {
		if canonical, found := a.lower[strings.ToLower(name)]; found {
			f = a.files[canonical]
			ok = true
		}
	}
	if !ok {
		return nil, false
	}
	rc, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Parse reads an EPUB archive and returns the book's plain text, chapter
// bounds, and annotated display chapters. It returns
// domain.ErrInvalidArchive when no OPF manifest can be located.
//
// Parsing is deterministic: the same archive bytes always produce identical
// plain text and chapter bounds.
func Parse(r io.ReaderAt, size int64) (*ParsedBook, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", domain.ErrInvalidArchive)
	}
	arc := newArchive(zr)

	opfPath, ok := locateOPF(arc)
	if !ok {
		return nil, fmt.Errorf("no OPF manifest: %w", domain.ErrInvalidArchive)
	}
	opfData, ok := arc.read(opfPath)
	if !ok {
		return nil, fmt.Errorf("read OPF manifest: %w", domain.ErrInvalidArchive)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, fmt.Errorf("parse OPF manifest: %w", domain.ErrInvalidArchive)
	}

	itemsByID := make(map[string]opfItem, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		itemsByID[item.ID] = item
	}

	book := &ParsedBook{}
	if len(pkg.Metadata.Titles) > 0 {
		book.Title = strings.TrimSpace(pkg.Metadata.Titles[0])
	}
	if len(pkg.Metadata.Creators) > 0 {
		book.Author = strings.TrimSpace(pkg.Metadata.Creators[0])
	}

	opfDir := path.Dir(opfPath)
	var buf strings.Builder
	chapterNum := 0
	for _, ref := range pkg.Spine.ItemRefs {
		item, ok := itemsByID[ref.IDRef]
		if !ok {
			continue
		}
		href := strings.ToLower(item.Href)
		if !strings.HasSuffix(href, ".xhtml") && !strings.HasSuffix(href, ".html") && !strings.HasSuffix(href, ".htm") {
			continue
		}
		docPath := resolveHref(opfDir, item.Href)
		data, ok := arc.read(docPath)
		if !ok {
			slog.Warn("spine item missing from archive", "href", item.Href)
			continue
		}
		chapterNum++

		doc, err := html.Parse(bytes.NewReader(data))
		if err != nil {
			slog.Warn("unparsable spine item skipped", "href", item.Href, "err", err)
			continue
		}
		removeElements(doc, "script")

		title := chapterTitle(doc)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", chapterNum)
		}

		text := chapterText(doc, data)
		if len(text) < minChapterChars {
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		start := buf.Len()
		buf.WriteString(text)
		book.Chapters = append(book.Chapters, domain.Chapter{
			Title:     title,
			StartChar: start,
			EndChar:   start + len(text),
			WordCount: len(strings.Fields(text)),
		})

		annotated := annotateChapter(arc, docPath, doc)
		book.AnnotatedChapters = append(book.AnnotatedChapters, domain.AnnotatedChapter{
			Title: title,
			HTML:  annotated,
		})
	}

	book.PlainText = buf.String()
	return book, nil
}

// locateOPF finds the package manifest: first via META-INF/container.xml,
// then by scanning the archive for any .opf entry.
func locateOPF(arc *archive) (string, bool) {
	if data, ok := arc.read("META-INF/container.xml"); ok {
		var c containerXML
		if err := xml.Unmarshal(data, &c); err == nil {
			for _, rf := range c.Rootfiles.Rootfile {
				if rf.FullPath != "" {
					if _, ok := arc.read(rf.FullPath); ok {
						return path.Clean(rf.FullPath), true
					}
				}
			}
		}
	}
	names := make([]string, 0, len(arc.files))
	for name := range arc.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasSuffix(strings.ToLower(name), ".opf") {
			return name, true
		}
	}
	return "", false
}

// resolveHref resolves an href relative to a base directory inside the
// archive.
func resolveHref(baseDir, href string) string {
	href = strings.SplitN(href, "#", 2)[0]
	if baseDir == "." || baseDir == "" {
		return path.Clean(href)
	}
	return path.Clean(path.Join(baseDir, href))
}

// removeElements drops every element with the given tag from the tree.
func removeElements(n *html.Node, tag string) {
	var next *html.Node
	for child := n.FirstChild; child != nil; child = next {
		next = child.NextSibling
		if child.Type == html.ElementNode && child.Data == tag {
			n.RemoveChild(child)
			continue
		}
		removeElements(child, tag)
	}
}

// chapterTitle returns the text of the first heading element, if any.
func chapterTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				title = collapseSpace(nodeText(n))
				return true
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

// paragraphTags are the block elements treated as paragraph-like for plain
// text extraction.
var paragraphTags = map[string]bool{
	"p": true, "blockquote": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// chapterText extracts plain text with paragraph breaks preserved as blank
// lines. The preferred path concatenates paragraph-like block texts; when a
// document has none (fully div-based layouts), it falls back to a tag-strip
// of the raw markup with block boundaries converted to blank lines.
func chapterText(doc *html.Node, raw []byte) string {
	var paragraphs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && paragraphTags[n.Data] {
			if text := collapseSpace(nodeText(n)); text != "" {
				paragraphs = append(paragraphs, text)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	if len(paragraphs) > 0 {
		return strings.Join(paragraphs, "\n\n")
	}
	return stripTags(string(raw))
}

var (
	blockCloseRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|blockquote|section|article)>|<br\s*/?>`)
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

// stripTags is the fallback extraction path: closing block tags become
// paragraph breaks, remaining tags are dropped, and each paragraph's
// whitespace is collapsed while blank-line separators survive.
func stripTags(raw string) string {
	raw = scriptRe.ReplaceAllString(raw, "")
	raw = blockCloseRe.ReplaceAllString(raw, "\n\n")
	raw = tagRe.ReplaceAllString(raw, "")
	raw = html.UnescapeString(raw)
	var paragraphs []string
	for _, part := range strings.Split(raw, "\n\n") {
		if p := collapseSpace(part); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// nodeText concatenates the text nodes under n.
func nodeText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			buf.WriteString(node.Data)
			buf.WriteString(" ")
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return buf.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
