package snapshot

import "strings"

var (
	positiveWords = []string{"好", "棒", "赞", "喜欢", "爱", "厉害", "优秀", "漂亮", "帅", "美"}
	negativeWords = []string{"差", "烂", "垃圾", "讨厌", "无聊", "假", "骗", "坑"}
)

// Sentiment holds the share of comments per polarity, each in [0, 1].
type Sentiment struct {
	Total    int
	Positive float64
	Negative float64
	Neutral  float64
}

func (s Sentiment) Metrics() map[string]float64 {
	return map[string]float64{
		"sentiment_positive": s.Positive,
		"sentiment_negative": s.Negative,
		"sentiment_neutral":  s.Neutral,
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// ClassifySentiment counts a comment as positive or negative when it only
// contains words of that polarity, anything else is neutral.
func ClassifySentiment(comments []string) Sentiment {
	var positive, negative, neutral int
	for _, text := range comments {
		hasPositive := containsAny(text, positiveWords)
		hasNegative := containsAny(text, negativeWords)
		switch {
		case hasPositive && !hasNegative:
			positive++
		case hasNegative && !hasPositive:
			negative++
		default:
			neutral++
		}
	}

	out := Sentiment{Total: len(comments)}
	if out.Total == 0 {
		return out
	}
	total := float64(out.Total)
	out.Positive = float64(positive) / total
	out.Negative = float64(negative) / total
	out.Neutral = float64(neutral) / total
	return out
}
