package processors

import (
	"strings"
	"unicode"
)

var positiveWords = map[string]bool{
	"moon": true, "mooning": true, "bullish": true, "pump": true, "pumping": true,
	"buy": true, "buying": true, "gem": true, "rocket": true, "gains": true,
	"hodl": true, "ath": true, "breakout": true, "undervalued": true, "love": true,
	"great": true, "strong": true, "up": true, "lfg": true, "launch": true,
}

var negativeWords = map[string]bool{
	"dump": true, "dumping": true, "bearish": true, "scam": true, "rug": true,
	"rugged": true, "rugpull": true, "sell": true, "selling": true, "crash": true,
	"down": true, "rekt": true, "fud": true, "hack": true, "hacked": true,
	"dead": true, "honeypot": true, "exit": true, "avoid": true, "weak": true,
}

// Sentiment scores text in [-1, 1] by counting lexicon hits. Text without any
// hit scores 0.
func Sentiment(texts ...string) float64 {
	var pos, neg int
	for _, t := range texts {
		words := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			switch {
			case positiveWords[w]:
				pos++
			case negativeWords[w]:
				neg++
			}
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}
