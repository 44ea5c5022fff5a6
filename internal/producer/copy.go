package producer

import "time"

var titlesByCategory = map[string][]string{
	"discipline": {"Lock In and Execute", "Stay Consistent Today", "Build Your Discipline", "No Excuses, Just Action"},
	"confidence": {"Step Into Your Power", "Believe in Yourself", "Own Your Worth", "Rise Above Doubt"},
	"physique":   {"Train Like a Champion", "Push Your Limits", "Build Your Body", "Strength Is Earned"},
	"focus":      {"Stay Locked In", "Focus on What Matters", "Eliminate Distractions", "Sharp Mind, Clear Goals"},
	"mindset":    {"Shift Your Perspective", "Master Your Mind", "Think Bigger Today", "Growth Starts Here"},
	"business":   {"Execute Your Vision", "Build Your Empire", "Make It Happen", "Business Moves Today"},
}

var summaryByCategory = map[string]string{
	"discipline": "A powerful reminder to stay consistent and take action, no matter how you feel.",
	"confidence": "Build unshakeable confidence and step into your power with clarity and purpose.",
	"physique":   "Push your physical limits and transform your body through dedication and effort.",
	"focus":      "Cut through distractions and lock in on what truly matters for your success.",
	"mindset":    "Shift your thinking, overcome mental blocks, and embrace a growth-oriented perspective.",
	"business":   "Take strategic action and build momentum toward your entrepreneurial goals.",
}

const (
	fallbackTitle   = "Take Action Today"
	fallbackSummary = "A daily push to help you move forward with purpose and intention."
	quoteLength     = 200
)

// titleFor picks the category title for the given day.
func titleFor(category string, day time.Time) string {
	titles := titlesByCategory[category]
	if len(titles) == 0 {
		return fallbackTitle
	}
	return titles[day.YearDay()%len(titles)]
}

func summaryFor(category string) string {
	if s, ok := summaryByCategory[category]; ok {
		return s
	}
	return fallbackSummary
}

// quoteFrom returns the opening of a script for the library entry.
func quoteFrom(script string) string {
	runes := []rune(script)
	if len(runes) > quoteLength {
		runes = runes[:quoteLength]
	}
	return string(runes) + "..."
}
