package epub

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"readalong/pkg/domain"
)

const testContainerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

func buildEPUB(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func opfFor(spineItems string, manifestItems string) string {
	return `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>The Old Library</dc:title>
    <dc:creator>J. Reader</dc:creator>
  </metadata>
  <manifest>` + manifestItems + `</manifest>
  <spine>` + spineItems + `</spine>
</package>`
}

func chapterHTML(title string, paragraphs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>x</title></head><body><h1>` + title + `</h1>`)
	for _, p := range paragraphs {
		b.WriteString("<p>" + p + "</p>")
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func twoChapterBook(t *testing.T) []byte {
	return buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="c1"/><itemref idref="c2"/>`,
			`<item id="c1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
			 <item id="c2" href="ch2.xhtml" media-type="application/xhtml+xml"/>`,
		),
		"OEBPS/ch1.xhtml": chapterHTML("Chapter One",
			"The old library stood at the end of Maple Street, its windows dark.",
			"Nobody had entered it for thirty years, or so the neighbours said."),
		"OEBPS/ch2.xhtml": chapterHTML("Chapter Two",
			"Morning light crept across the dusty shelves and sleeping volumes.",
			"A key turned in the lock for the first time in a generation."),
	})
}

func TestParseTwoChapters(t *testing.T) {
	data := twoChapterBook(t)
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if book.Title != "The Old Library" {
		t.Errorf("Title = %q", book.Title)
	}
	if book.Author != "J. Reader" {
		t.Errorf("Author = %q", book.Author)
	}
	if len(book.Chapters) != 2 {
		t.Fatalf("chapters = %d, want 2", len(book.Chapters))
	}
	if book.Chapters[0].Title != "Chapter One" || book.Chapters[1].Title != "Chapter Two" {
		t.Errorf("chapter titles = %q, %q", book.Chapters[0].Title, book.Chapters[1].Title)
	}
	if !strings.Contains(book.PlainText, "dark.\n\nNobody") {
		t.Errorf("paragraph break missing inside chapter:\n%s", book.PlainText)
	}

	// Chapter bounds: non-overlapping, covering a prefix of the text.
	c0, c1 := book.Chapters[0], book.Chapters[1]
	if c0.EndChar > c1.StartChar {
		t.Errorf("overlapping chapters: %d > %d", c0.EndChar, c1.StartChar)
	}
	if c1.EndChar > len(book.PlainText) {
		t.Errorf("chapter end %d beyond text length %d", c1.EndChar, len(book.PlainText))
	}
	if got := book.PlainText[c0.StartChar:c0.EndChar]; !strings.HasPrefix(got, "Chapter One") {
		t.Errorf("chapter 0 slice = %q", got[:20])
	}
	if c0.WordCount != len(strings.Fields(book.PlainText[c0.StartChar:c0.EndChar])) {
		t.Errorf("chapter word count mismatch")
	}
}

func TestParseDeterministic(t *testing.T) {
	data := twoChapterBook(t)
	first, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse again: %v", err)
	}
	if first.PlainText != second.PlainText {
		t.Fatal("plain text differs between parses")
	}
	for i := range first.Chapters {
		if first.Chapters[i] != second.Chapters[i] {
			t.Fatalf("chapter %d differs: %+v vs %+v", i, first.Chapters[i], second.Chapters[i])
		}
	}
}

func TestParseNoManifest(t *testing.T) {
	data := buildEPUB(t, map[string]string{"mimetype": "application/epub+zip"})
	_, err := Parse(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, domain.ErrInvalidArchive) {
		t.Fatalf("err = %v, want ErrInvalidArchive", err)
	}
}

func TestParseCoverOnlyArchive(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="cover"/>`,
			`<item id="cover" href="cover.jpg" media-type="image/jpeg"/>`,
		),
		"OEBPS/cover.jpg": "\xff\xd8\xff",
	})
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if book.PlainText != "" {
		t.Errorf("PlainText = %q, want empty", book.PlainText)
	}
	if len(book.Chapters) != 0 {
		t.Errorf("chapters = %d, want 0", len(book.Chapters))
	}
}

func TestParseShortChapterDiscarded(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="c1"/><itemref idref="c2"/>`,
			`<item id="c1" href="toc.xhtml" media-type="application/xhtml+xml"/>
			 <item id="c2" href="ch1.xhtml" media-type="application/xhtml+xml"/>`,
		),
		"OEBPS/toc.xhtml": `<html><body><p>Contents</p></body></html>`,
		"OEBPS/ch1.xhtml": chapterHTML("Chapter One",
			"A chapter long enough to clear the minimum length threshold easily."),
	})
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(book.Chapters) != 1 {
		t.Fatalf("chapters = %d, want 1 (short toc discarded)", len(book.Chapters))
	}
}

func TestParseDivOnlyFallback(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="c1"/>`,
			`<item id="c1" href="ch1.xhtml" media-type="application/xhtml+xml"/>`,
		),
		"OEBPS/ch1.xhtml": `<html><body>` +
			`<div>The first block of an all-div chapter with plenty of text.</div>` +
			`<div>The second block continues the story without paragraph tags.</div>` +
			`</body></html>`,
	})
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(book.PlainText, "text.\n\nThe second") {
		t.Errorf("fallback extraction lost block boundaries:\n%s", book.PlainText)
	}
}

func TestAnnotatedChapterInlinesAssets(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="c1"/>`,
			`<item id="c1" href="text/ch1.xhtml" media-type="application/xhtml+xml"/>`,
		),
		"OEBPS/text/ch1.xhtml": `<html><head>` +
			`<link rel="stylesheet" href="../styles/book.css"/>` +
			`</head><body><h1>Chapter One</h1>` +
			`<p>Enough text in this paragraph to keep the chapter above the size floor.</p>` +
			`<img src="../images/Map.png"/>` +
			`</body></html>`,
		"OEBPS/styles/book.css": `body { background: url(../images/map.png); }`,
		// Only a lowercase variant exists; href casing differs.
		"OEBPS/images/map.png": "\x89PNG fake bytes",
	})
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(book.AnnotatedChapters) != 1 {
		t.Fatalf("annotated chapters = %d", len(book.AnnotatedChapters))
	}
	htmlOut := book.AnnotatedChapters[0].HTML
	if !strings.Contains(htmlOut, "<style>") {
		t.Error("linked stylesheet was not inlined")
	}
	if strings.Count(htmlOut, "data:image/png;base64,") < 2 {
		t.Errorf("expected data URLs for both css url() and img src:\n%s", htmlOut)
	}
	if strings.Contains(htmlOut, "../images/") {
		t.Error("asset reference left unresolved")
	}
}

func TestAnnotatedChapterKeepsMissingAssetReference(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": opfFor(
			`<itemref idref="c1"/>`,
			`<item id="c1" href="ch1.xhtml" media-type="application/xhtml+xml"/>`,
		),
		"OEBPS/ch1.xhtml": `<html><body><h1>Chapter One</h1>` +
			`<p>Enough text in this paragraph to keep the chapter above the size floor.</p>` +
			`<img src="gone.png"/></body></html>`,
	})
	book, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(book.AnnotatedChapters[0].HTML, `src="gone.png"`) {
		t.Error("missing asset reference should be left untouched")
	}
}
