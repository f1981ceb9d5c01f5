package classifier

import (
	"strings"
	"unicode"
)

// FeatureOptions controls how raw text is turned into classifier features.
// It is persisted with the model so a loaded model featurizes exactly the
// way it was trained.
type FeatureOptions struct {
	// WordNgrams is the longest run of consecutive words emitted (1 or 2).
	WordNgrams int `json:"word_ngrams"`
	// CharNgrams is the character n-gram length over each padded word.
	// Zero disables character features.
	CharNgrams int `json:"char_ngrams"`
}

// DefaultFeatureOptions emits word unigrams and bigrams plus character
// trigrams.
func DefaultFeatureOptions() FeatureOptions {
	return FeatureOptions{WordNgrams: 2, CharNgrams: 3}
}

// Tokenize lowercases text and splits it into runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Featurize returns the feature bag for text. Feature kinds are prefixed so
// a word never collides with a character n-gram of the same spelling.
func (o FeatureOptions) Featurize(text string) []string {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	features := make([]string, 0, len(tokens)*4)
	for i, tok := range tokens {
		features = append(features, "w:"+tok)
		if o.WordNgrams >= 2 && i > 0 {
			features = append(features, "b:"+tokens[i-1]+" "+tok)
		}
		if o.CharNgrams > 0 {
			features = appendCharNgrams(features, tok, o.CharNgrams)
		}
	}
	return features
}

func appendCharNgrams(dst []string, word string, n int) []string {
	runes := []rune("<" + word + ">")
	if len(runes) <= n {
		return append(dst, "c:"+string(runes))
	}
	for i := 0; i+n <= len(runes); i++ {
		dst = append(dst, "c:"+string(runes[i:i+n]))
	}
	return dst
}
