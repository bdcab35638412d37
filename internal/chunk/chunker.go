package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// Chunk is the smallest unit of text handed to speech synthesis. Ordering is
// (ChapterIndex, ChunkIndex); Seq is the global position assigned once the
// full document has been chunked. Chunks are immutable once produced.
type Chunk struct {
	ChapterIndex   int    `json:"chapter_index"`
	ChunkIndex     int    `json:"chunk_index"`
	Seq            int    `json:"seq"`
	Text           string `json:"text"`
	CharOffset     int    `json:"char_offset"`
	ParagraphBreak bool   `json:"paragraph_break,omitempty"`
}

// ID is the stable chunk identity used by the checkpoint store and the
// segment cache. Zero-padded so identifiers sort in sequence order.
func (c Chunk) ID() string {
	return fmt.Sprintf("%04d-%05d", c.ChapterIndex, c.ChunkIndex)
}

// Chunker splits chapter text into synthesis-sized chunks at sentence
// boundaries. Identical input and parameters always yield identical chunks;
// the conversion fingerprint depends on this.
type Chunker struct {
	maxChars           int
	minChars           int
	paragraphPauseOver int
}

func NewChunker(maxChars, minChars, paragraphPauseOver int) *Chunker {
	return &Chunker{maxChars: maxChars, minChars: minChars, paragraphPauseOver: paragraphPauseOver}
}

var paragraphSepRE = regexp.MustCompile(`\n\n+`)

type paragraph struct {
	text   string
	offset int
}

// ChunkChapter splits one (preprocessed) chapter into ordered chunks.
// Concatenating the chunk texts reproduces the chapter text up to
// whitespace normalization: paragraph breaks and sentence joins collapse
// to single spaces.
func (k *Chunker) ChunkChapter(chapterIdx int, text string) []Chunk {
	var chunks []Chunk
	paras := splitParagraphs(text)

	for pi, para := range paras {
		sentences := SplitSentences(para.text)
		paraChunks := k.packSentences(chapterIdx, sentences, para)

		lastPara := pi == len(paras)-1
		if len(paraChunks) > 0 && len(para.text) >= k.paragraphPauseOver {
			paraChunks[len(paraChunks)-1].ParagraphBreak = !lastPara
		}
		chunks = append(chunks, paraChunks...)
	}

	chunks = k.mergeShort(chunks)

	for i := range chunks {
		chunks[i].ChunkIndex = i
	}
	return chunks
}

func splitParagraphs(text string) []paragraph {
	var paras []paragraph
	pos := 0
	for _, part := range paragraphSepRE.Split(text, -1) {
		idx := strings.Index(text[pos:], part)
		start := pos + idx
		pos = start + len(part)

		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		start += strings.Index(part, trimmed[:1])
		paras = append(paras, paragraph{text: trimmed, offset: start})
	}
	return paras
}

func (k *Chunker) packSentences(chapterIdx int, sentences []string, para paragraph) []Chunk {
	var chunks []Chunk
	var current strings.Builder
	currentOffset := para.offset
	searchFrom := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			ChapterIndex: chapterIdx,
			Text:         current.String(),
			CharOffset:   currentOffset,
		})
		current.Reset()
	}

	for _, sentence := range sentences {
		sentOffset := para.offset + searchFrom
		if idx := strings.Index(para.text[searchFrom:], sentence); idx >= 0 {
			sentOffset = para.offset + searchFrom + idx
			searchFrom += idx + len(sentence)
		}

		if len(sentence) > k.maxChars {
			flush()
			partOffset := sentOffset
			for _, part := range forceSplit(sentence, k.maxChars) {
				chunks = append(chunks, Chunk{
					ChapterIndex: chapterIdx,
					Text:         part,
					CharOffset:   partOffset,
				})
				partOffset += len(part) + 1
			}
			continue
		}

		if current.Len() > 0 && current.Len()+1+len(sentence) > k.maxChars {
			flush()
		}
		if current.Len() == 0 {
			currentOffset = sentOffset
		} else {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	flush()
	return chunks
}

// forceSplit breaks an oversized sentence at the last word boundary before
// the limit, repeatedly. A single word longer than the limit is cut mid-word
// rather than producing an oversized chunk.
func forceSplit(sentence string, maxChars int) []string {
	words := strings.Fields(sentence)
	var parts []string
	var current []string
	currentLen := 0

	for _, word := range words {
		for len(word) > maxChars {
			if currentLen > 0 {
				parts = append(parts, strings.Join(current, " "))
				current = current[:0]
				currentLen = 0
			}
			parts = append(parts, word[:maxChars])
			word = word[maxChars:]
		}
		if currentLen > 0 && currentLen+1+len(word) > maxChars {
			parts = append(parts, strings.Join(current, " "))
			current = current[:0]
			currentLen = 0
		}
		current = append(current, word)
		if currentLen > 0 {
			currentLen++
		}
		currentLen += len(word)
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}

// mergeShort joins pathologically small chunks with their successor so the
// synthesizer never receives degenerate fragments.
func (k *Chunker) mergeShort(chunks []Chunk) []Chunk {
	if len(chunks) == 0 || k.minChars <= 0 {
		return chunks
	}
	var merged []Chunk
	buffer := chunks[0]
	for _, c := range chunks[1:] {
		if len(buffer.Text) < k.minChars && len(buffer.Text)+1+len(c.Text) <= k.maxChars {
			buffer = Chunk{
				ChapterIndex:   buffer.ChapterIndex,
				Text:           buffer.Text + " " + c.Text,
				CharOffset:     buffer.CharOffset,
				ParagraphBreak: c.ParagraphBreak,
			}
			continue
		}
		merged = append(merged, buffer)
		buffer = c
	}
	// A short trailing chunk folds backwards instead.
	if len(buffer.Text) < k.minChars && len(merged) > 0 &&
		len(merged[len(merged)-1].Text)+1+len(buffer.Text) <= k.maxChars {
		last := &merged[len(merged)-1]
		last.Text = last.Text + " " + buffer.Text
		last.ParagraphBreak = buffer.ParagraphBreak
	} else {
		merged = append(merged, buffer)
	}
	return merged
}
