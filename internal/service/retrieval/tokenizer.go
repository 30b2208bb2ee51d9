package retrieval

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// Tokenizer 将文本切分为词项。
type Tokenizer interface {
	Tokenize(text string) []string
}

// SegmentTokenizer 基于 gse 词典分词，适合中文文本。
type SegmentTokenizer struct {
	once sync.Once
	seg  gse.Segmenter
	err  error
}

func NewSegmentTokenizer() *SegmentTokenizer {
	return &SegmentTokenizer{}
}

// Load 加载内置词典，可提前调用以避免首个请求的延迟。
func (t *SegmentTokenizer) Load() error {
	t.once.Do(func() {
		t.err = t.seg.LoadDictEmbed()
	})
	return t.err
}

func (t *SegmentTokenizer) Tokenize(text string) []string {
	if err := t.Load(); err != nil {
		return UnicodeTokenizer{}.Tokenize(text)
	}
	words := t.seg.Cut(strings.ToLower(text), true)
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" || !hasWordRune(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// UnicodeTokenizer 不依赖词典：拉丁字母按单词切分，汉字按相邻二元组切分。
type UnicodeTokenizer struct{}

func (UnicodeTokenizer) Tokenize(text string) []string {
	var out []string
	var word []rune
	var han []rune

	flushWord := func() {
		if len(word) > 0 {
			out = append(out, string(word))
			word = word[:0]
		}
	}
	flushHan := func() {
		switch len(han) {
		case 0:
		case 1:
			out = append(out, string(han))
		default:
			for i := 0; i+1 < len(han); i++ {
				out = append(out, string(han[i:i+2]))
			}
		}
		han = han[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return out
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
