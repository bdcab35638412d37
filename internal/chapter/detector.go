package chapter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hearthside-labs/tomecast/internal/document"
)

// Chapter is a detected span of the document text. Chapters are contiguous,
// non-overlapping, and together cover the whole text.
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Text slices the chapter out of the full document text.
func (c Chapter) Text(full string) string {
	if c.Start >= len(full) {
		return ""
	}
	end := c.End
	if end > len(full) {
		end = len(full)
	}
	return full[c.Start:end]
}

// Detector carves a document into an ordered chapter sequence. TOC-derived
// boundaries are authoritative when present and locatable; heading-pattern
// scanning is the fallback; the whole document becomes a single chapter when
// neither source yields a boundary.
type Detector struct {
	minLength   int
	useTOCFirst bool
}

func NewDetector(minLength int, useTOCFirst bool) *Detector {
	return &Detector{minLength: minLength, useTOCFirst: useTOCFirst}
}

type numberedPattern struct {
	re     *regexp.Regexp
	prefix string
}

var numberedPatterns = []numberedPattern{
	{regexp.MustCompile(`^(?i)chapter\s+(\d+|[IVXLC]+)(?:\s*[:\-.]?\s*(.*))?$`), "Chapter"},
	{regexp.MustCompile(`^(?i)cap[ií]tulo\s+(\d+|[IVXLC]+)(?:\s*[:\-.]?\s*(.*))?$`), "Capítulo"},
	{regexp.MustCompile(`^(?i)part\s+(\d+|[IVXLC]+)(?:\s*[:\-.]?\s*(.*))?$`), "Part"},
	{regexp.MustCompile(`^(?i)parte\s+(\d+|[IVXLC]+)(?:\s*[:\-.]?\s*(.*))?$`), "Parte"},
}

var specialHeadingRE = regexp.MustCompile(`^(?i)(prologue|epilogue|introduction|conclusion|preface|foreword|afterword|pr[oó]logo|ep[ií]logo|introducci[oó]n|conclusi[oó]n|prefacio)(?:\s*[:\-.]?\s*(.*))?$`)

// Bare numbers standing alone at a paragraph start; guarded by the minimum
// chapter length merge since page numbers satisfy the same shape.
var bareNumberRE = regexp.MustCompile(`^(\d{1,3}|[IVXLC]{1,7})\.?$`)

// Detect returns the ordered chapter list for a document.
func (d *Detector) Detect(doc *document.Document) []Chapter {
	var boundaries []Chapter

	if d.useTOCFirst && len(doc.TOC) > 0 {
		boundaries = d.fromTOC(doc)
	}
	if len(boundaries) == 0 {
		boundaries = d.fromPatterns(doc.Text)
	}
	if len(boundaries) == 0 {
		boundaries = []Chapter{{Title: "Chapter 1", Start: 0}}
	}

	boundaries = coverDocument(boundaries, len(doc.Text))
	boundaries = d.mergeShort(boundaries)

	for i := range boundaries {
		boundaries[i].Index = i
	}
	return boundaries
}

// fromTOC locates each entry's title in the text near its reported offset.
// Entries that cannot be located are dropped; the prior chapter then runs
// through to the next locatable boundary.
func (d *Detector) fromTOC(doc *document.Document) []Chapter {
	topLevel := make([]document.TOCEntry, 0, len(doc.TOC))
	for _, e := range doc.TOC {
		if e.Level <= 1 {
			topLevel = append(topLevel, e)
		}
	}
	if len(topLevel) == 0 {
		for _, e := range doc.TOC {
			if e.Level == 2 {
				topLevel = append(topLevel, e)
			}
		}
	}

	var chapters []Chapter
	prev := -1
	for _, entry := range topLevel {
		start, ok := locateEntry(doc.Text, entry, prev)
		if !ok || start <= prev {
			continue
		}
		chapters = append(chapters, Chapter{Title: entry.Title, Start: start})
		prev = start
	}
	return chapters
}

// tocSearchWindow bounds how far from the reported offset an anchor title is
// trusted; extraction offsets are approximate (page granularity).
const tocSearchWindow = 4000

func locateEntry(text string, entry document.TOCEntry, after int) (int, bool) {
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return 0, false
	}

	lo := entry.Offset - tocSearchWindow
	if lo < after+1 {
		lo = after + 1
	}
	if lo < 0 {
		lo = 0
	}
	hi := entry.Offset + tocSearchWindow
	if hi > len(text) {
		hi = len(text)
	}
	if lo >= hi {
		return 0, false
	}

	if idx := indexFold(text[lo:hi], title); idx >= 0 {
		return lo + idx, true
	}
	// Fuzzy offset match: trust the reported offset when it is in range.
	if entry.Offset > after && entry.Offset < len(text) {
		return entry.Offset, true
	}
	return 0, false
}

func indexFold(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

func (d *Detector) fromPatterns(text string) []Chapter {
	var chapters []Chapter
	pos := 0
	prevBlank := true

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if title, ok := matchHeading(stripped, prevBlank); ok {
			chapters = append(chapters, Chapter{Title: title, Start: pos})
		}
		prevBlank = stripped == ""
		pos += len(line) + 1
	}
	return chapters
}

func matchHeading(line string, paragraphStart bool) (string, bool) {
	if line == "" || len(line) > 120 {
		return "", false
	}
	for _, p := range numberedPatterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			title := fmt.Sprintf("%s %s", p.prefix, m[1])
			if subtitle := strings.TrimSpace(m[2]); subtitle != "" {
				title = fmt.Sprintf("%s: %s", title, subtitle)
			}
			return title, true
		}
	}
	if m := specialHeadingRE.FindStringSubmatch(line); m != nil {
		title := capitalize(strings.ToLower(m[1]))
		if subtitle := strings.TrimSpace(m[2]); subtitle != "" {
			title = fmt.Sprintf("%s: %s", title, subtitle)
		}
		return title, true
	}
	if paragraphStart {
		if m := bareNumberRE.FindStringSubmatch(line); m != nil {
			return fmt.Sprintf("Chapter %s", strings.TrimSuffix(m[1], ".")), true
		}
	}
	return "", false
}

// coverDocument turns boundary starts into a contiguous covering sequence.
// Leading unstructured text becomes a synthetic opening chapter.
func coverDocument(chapters []Chapter, textLen int) []Chapter {
	if chapters[0].Start > 0 {
		chapters = append([]Chapter{{Title: "Front Matter", Start: 0}}, chapters...)
	}
	for i := range chapters {
		if i+1 < len(chapters) {
			chapters[i].End = chapters[i+1].Start
		} else {
			chapters[i].End = textLen
		}
	}
	return chapters
}

// mergeShort folds chapters below the minimum length into their successor
// (the predecessor for a short final chapter), keeping the longer span's title.
func (d *Detector) mergeShort(chapters []Chapter) []Chapter {
	if d.minLength <= 0 || len(chapters) <= 1 {
		return chapters
	}
	var merged []Chapter
	for i := 0; i < len(chapters); i++ {
		ch := chapters[i]
		for ch.End-ch.Start < d.minLength && i+1 < len(chapters) {
			next := chapters[i+1]
			title := next.Title
			if next.End-next.Start < ch.End-ch.Start {
				title = ch.Title
			}
			ch = Chapter{Title: title, Start: ch.Start, End: next.End}
			i++
		}
		if ch.End-ch.Start < d.minLength && len(merged) > 0 {
			merged[len(merged)-1].End = ch.End
			continue
		}
		merged = append(merged, ch)
	}
	return merged
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
